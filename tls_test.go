package uthread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindings(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := &Sched{id: 3}
		gid, ok := bindSched(s)
		assert.True(t, ok)
		assert.Same(t, s, Current())
		assert.Nil(t, Self())
		// rebinding to the same scheduler is allowed
		again, ok := bindSched(s)
		assert.True(t, ok)
		assert.Equal(t, gid, again)
		_, ok = bindSched(&Sched{id: 4})
		assert.False(t, ok)
		assert.Same(t, s, Current())
		unbind(gid)
		assert.Nil(t, Current())
	}()
	<-done
}

func TestBindings_thread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := &Sched{id: 1}
		th := &Thread{id: 9}
		th.sched.Store(s)
		gid := bindThread(th)
		defer unbind(gid)
		assert.Same(t, th, Self())
		assert.Same(t, s, Current())
	}()
	<-done
}
