package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m20pro/m20kit/cmd/m20/cmd"
	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Setup interrupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-quitChan
		log.Infof("got %v, exiting", s)
		cancel()
		<-time.After(10 * time.Second)
		log.Fatal("took too long to shutdown, forcefully exiting")
	}()
	os.Exit(cmd.Execute(ctx))
}
