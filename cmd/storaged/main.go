/*
 * Created:       Tue Aug  4 17:50:00 2026 wtools
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/storaged"
	"github.com/herumi/walb-tools/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -dir DIR\n", os.Args[0])
		flag.PrintDefaults()
	}
	controlAddr := flag.String("controlAddr", util.SOr(os.Getenv("WALBC_STORAGED_CONTROL_ADDR"), ":16000"), "controller listen address")
	dir := flag.String("dir", "", "base directory for volume state and device images")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	d := storaged.New(*dir)
	ln, err := net.Listen("tcp", *controlAddr)
	if err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var conns util.SimpleWaitGroup
	var eg errgroup.Group
	eg.Go(func() error {
		dispatch := d.Dispatch()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil
			}
			conns.Go(func() {
				if err := control.Serve(conn, "storaged", dispatch.Route); err != nil {
					log.Printf("storaged: control conn: %v", err)
				}
			})
		}
	})
	eg.Go(func() error {
		<-sigCh
		log.Printf("storaged: shutdown signal received")
		ln.Close()
		conns.Wait()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Printf("storaged: %v", err)
	}
}
