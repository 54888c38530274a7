// Command uthread-echo runs an echo workload as user threads: each client
// round trips messages with its own server over a socketpair, parking on the
// poller whenever the socket is not ready. The process exits 0 once every
// user thread is done.
//
// Usage:
//
//	uthread-echo [-config path.toml]
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/go-uthread"
	"github.com/joeycumines/go-uthread/hook"
	"github.com/joeycumines/go-uthread/internal/config"
	"github.com/joeycumines/go-uthread/netpoll"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"
)

// messageSize is the fixed length of every echoed message.
const messageSize = 16

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("uthread-echo", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a TOML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	// before loading config, which defaults to GOMAXPROCS
	undo, err := maxprocs.Set()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uthread-echo: automaxprocs: %v\n", err)
	}
	defer undo()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uthread-echo: %v\n", err)
		return 2
	}
	level, _ := cfg.Level()
	log := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		log.Debug().
			Err(err).
			Log("memory limit not set")
	} else {
		log.Debug().
			Int64("limit", limit).
			Log("memory limit set")
	}

	poller, err := netpoll.New(netpoll.WithLogger(log))
	if err != nil {
		log.Err().
			Err(err).
			Log("failed to create poller")
		return 1
	}
	hook.Enable(poller)

	rt, err := uthread.Init(
		uthread.WithMaxProcs(cfg.MaxProcs),
		uthread.WithStackSize(cfg.StackSize),
		uthread.WithAllocator(uthread.NewBudgetAllocator(cfg.StackBudget)),
		uthread.WithLogger(log),
		uthread.WithReportPath(cfg.ReportPath),
	)
	if err != nil {
		_ = poller.Close()
		return uthread.Errno(err)
	}

	for range cfg.Spawn {
		if _, err := rt.Spawn(); err != nil {
			log.Err().
				Err(err).
				Log("failed to spawn scheduler")
			return 1
		}
	}

	// one coordinator per running slot, each starting its share of the pairs
	// on its own slot
	slots := cfg.Spawn + 1
	for slot := range slots {
		var share []int
		for i := slot; i < cfg.Threads; i += slots {
			share = append(share, i)
		}
		if _, err := rt.GoOn(slot, coordinate(log, cfg.Messages), share); err != nil {
			log.Err().
				Err(err).
				Int("proc", slot).
				Log("failed to start coordinator")
			return 1
		}
	}

	// returns only if the runtime is misused
	if err := rt.Run(); err != nil {
		log.Err().
			Err(err).
			Log("run loop failed")
	}
	return 1
}

// coordinate returns the entry of a coordinator thread, which takes the pair
// ids as its argument, and returns the number of failed clients.
func coordinate(log *logiface.Logger[logiface.Event], messages int) uthread.Func {
	return func(arg any) any {
		var clients []*uthread.Thread
		for _, id := range arg.([]int) {
			client, err := startPair(id, messages)
			if err != nil {
				log.Err().
					Err(err).
					Int("pair", id).
					Log("failed to start pair")
				continue
			}
			clients = append(clients, client)
		}

		var failed int
		for _, client := range clients {
			v, err := hook.Join(client)
			if err == nil {
				err, _ = v.(error)
			}
			if err != nil {
				failed++
				log.Err().
					Err(err).
					Uint64("thread", client.ID()).
					Log("client failed")
			}
		}
		log.Info().
			Int("clients", len(clients)).
			Int("failed", failed).
			Int("messages", messages).
			Log("coordinator done")
		return failed
	}
}

// startPair starts the server and client of one pair, returning the client.
func startPair(id, messages int) (*uthread.Thread, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if _, err := hook.Create(serve, fds[0]); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	client, err := hook.Create(func(any) any {
		return echo(fds[1], id, messages)
	}, nil)
	if err != nil {
		// the server sees EOF
		_ = unix.Close(fds[1])
		return nil, err
	}
	return client, nil
}

func serve(arg any) any {
	fd := arg.(int)
	defer hook.Close(fd)
	buf := make([]byte, messageSize)
	for {
		if err := hook.RecvExact(fd, buf, 0); err != nil {
			// the client closing its end is the normal exit
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if _, err := hook.Send(fd, buf, 0); err != nil {
			return err
		}
	}
}

func echo(fd, id, messages int) error {
	defer hook.Close(fd)
	reply := make([]byte, messageSize)
	for m := range messages {
		msg := []byte(fmt.Sprintf("%08d:%07d", id, m))
		if _, err := hook.Write(fd, msg); err != nil {
			return err
		}
		if err := hook.ReadExact(fd, reply); err != nil {
			return err
		}
		if !bytes.Equal(msg, reply) {
			return fmt.Errorf("pair %d: message %d: got %q, want %q", id, m, reply, msg)
		}
		if m%4 == 3 {
			_ = hook.Yield()
		}
	}
	return nil
}
