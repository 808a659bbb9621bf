// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/flashlink"
)

var (
	bridgeListen string
	bridgePath   string
	bridgeCreate bool
	bridgeChip   string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a flash image as an emulated flash bridge",
	Long: `Serve a flash dump over the flashlink protocol, as a real bridge would.

Without --port the image is served to WebSocket clients on --listen. With
--port the image is served on that serial port instead, which is useful with
a virtual serial pair. One client is served at a time.

Examples:
  xtflash bridge --image x4-flash.bin --listen :8080
  xtflash --url ws://localhost:8080/flash identify

  xtflash bridge --image blank.bin --create --port /dev/pts/4
  xtflash --port /dev/pts/5 partitions`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", "localhost:8080", "Address to accept WebSocket clients on")
	bridgeCmd.Flags().StringVar(&bridgePath, "path", "/flash", "HTTP path of the WebSocket endpoint")
	bridgeCmd.Flags().BoolVar(&bridgeCreate, "create", false, "Create an erased image if --image does not exist")
	bridgeCmd.Flags().StringVar(&bridgeChip, "chip", "ESP32-C3", "Chip name reported to clients")
}

var bridgeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func runBridge(cmd *cobra.Command, args []string) error {
	if imagePath == "" {
		return errors.NotValidf("bridge without --image")
	}
	image, err := openBridgeImage()
	if err != nil {
		return err
	}
	defer image.Close()

	ctx, cancel := commandContext()
	defer cancel()

	server := flashlink.NewServer(image, bridgeChip, flasher.FlashSize)
	defer func() {
		fmt.Fprint(os.Stderr, server.Statistics().String())
	}()

	if portName != "" {
		return serveSerial(ctx, server)
	}
	return serveWebSocket(ctx, server)
}

func openBridgeImage() (*flasher.ImageTransport, error) {
	image, err := flasher.OpenImage(imagePath)
	if err == nil || !bridgeCreate || !os.IsNotExist(errors.Cause(err)) {
		return image, err
	}
	logger.Infof("creating erased image %s", imagePath)
	return flasher.CreateImage(imagePath)
}

func serveSerial(ctx context.Context, server *flashlink.Server) error {
	conn, err := OpenSerialConnection(portName, baudRate)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("Serving %s on %s @ %d baud\n", imagePath, portName, baudRate)
	if err := server.Serve(ctx, conn); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func serveWebSocket(ctx context.Context, server *flashlink.Server) error {
	var busy sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc(bridgePath, func(w http.ResponseWriter, r *http.Request) {
		if !busy.TryLock() {
			http.Error(w, "bridge busy", http.StatusServiceUnavailable)
			return
		}
		defer busy.Unlock()

		ws, err := bridgeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Errorf("problem initiating websocket: %v", err)
			return
		}
		conn := &WebSocketConnection{conn: ws}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		logger.Infof("client %s connected", r.RemoteAddr)
		err = server.Serve(r.Context(), conn)
		if err != nil && !websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logger.Warningf("client %s: %v", r.RemoteAddr, err)
		}
		logger.Infof("client %s disconnected", r.RemoteAddr)
	})

	httpServer := &http.Server{
		Addr:              bridgeListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdown)
	}()

	fmt.Printf("Serving %s on ws://%s%s\n", imagePath, bridgeListen, bridgePath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Annotatef(err, "listening on %s", bridgeListen)
	}
	return nil
}
