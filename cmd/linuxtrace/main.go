// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command linuxtrace is a thin demonstration of wiring the tracer
// controller against a live target process. It is not a product CLI:
// symbol resolution, wire serialization and UI rendering are all left
// to an external consumer of the Listener callbacks.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tracewalk/linuxtracing/tracer"
)

func main() {
	var (
		flagConfig   = flag.String("config", "", "path to a YAML tracer `config` file")
		flagDuration = flag.Duration("duration", 0, "stop after `duration`; 0 runs until interrupted")
	)
	flag.Parse()
	if *flagConfig == "" {
		flag.Usage()
		os.Exit(1)
	}

	opts, err := loadConfig(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	opts.Logger = slog.Default()
	opts.Listener = &logListener{log: opts.Logger}

	tr := tracer.New()
	if err := tr.Start(opts); err != nil {
		log.Fatal(err)
	}
	opts.Logger.Info("linuxtrace: started", "pid", opts.TargetPID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if *flagDuration > 0 {
		select {
		case <-sig:
		case <-time.After(*flagDuration):
		}
	} else {
		<-sig
	}

	tr.Stop()
	opts.Logger.Info("linuxtrace: stopped")
}
