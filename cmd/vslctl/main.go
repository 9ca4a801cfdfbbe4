// Command vslctl is a small diagnostic tool for exercising a rendezvous
// socket from the command line: "host" binds one and posts synthetic
// frames at a fixed interval, "client" connects and prints each frame it
// receives until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vsl/videostream/client"
	"github.com/vsl/videostream/frame"
	"github.com/vsl/videostream/host"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "host":
		err = runHost(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vslctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vslctl host -path NAME [-width N] [-height N] [-interval DUR]")
	fmt.Fprintln(os.Stderr, "       vslctl client -path NAME")
}

func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func runHost(args []string) error {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	path := fs.String("path", "vslctl", "rendezvous socket path or abstract name")
	width := fs.Uint("width", 640, "frame width in pixels")
	height := fs.Uint("height", 480, "frame height in pixels")
	interval := fs.Duration("interval", 33*time.Millisecond, "interval between posted frames")
	ttl := fs.Duration("ttl", 500*time.Millisecond, "lifetime of each posted frame")
	if err := fs.Parse(args); err != nil {
		return err
	}

	h, err := host.New(*path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", *path, err)
	}
	defer h.Close()
	fmt.Fprintf(os.Stderr, "vslctl: host listening on %s\n", h.Path())

	ctx := rootContext()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var pts int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f, err := frame.Init(frame.Options{
				Width:  uint32(*width),
				Height: uint32(*height),
				Stride: uint32(*width),
				FourCC: frame.FourCCFromString("RGB3"),
			})
			if err != nil {
				return fmt.Errorf("init frame: %w", err)
			}
			if err := f.Alloc(nil, ""); err != nil {
				return fmt.Errorf("alloc frame: %w", err)
			}
			now := frame.Now()
			pts += int64(*interval)
			if err := h.Post(f, now+int64(*ttl), int64(*interval), pts, pts); err != nil {
				return fmt.Errorf("post: %w", err)
			}
			if err := h.Process(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "vslctl: process:", err)
			}
		}
	}
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	path := fs.String("path", "vslctl", "rendezvous socket path or abstract name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.Connect(*path)
	if err != nil {
		return fmt.Errorf("connect %s: %w", *path, err)
	}
	defer c.Close()

	ctx := rootContext()
	for {
		f, err := c.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait: %w", err)
		}
		fmt.Printf("frame serial=%d %dx%d size=%d\n", f.Serial(), f.Width(), f.Height(), f.Size())
		f.Release()
	}
}
