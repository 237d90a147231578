// Command asrclient streams a 16 kHz mono PCM file through the proxy and
// prints every event it receives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/internal/auth"
)

const (
	// 100 ms of 16 kHz 16-bit mono audio
	chunkSize     = 3200
	chunkInterval = 100 * time.Millisecond
	wavHeaderSize = 44
)

func main() {
	addr := flag.String("addr", "localhost:3001", "proxy host:port")
	provider := flag.String("provider", "volc", "provider route name")
	file := flag.String("file", "", "PCM or WAV file to stream (required)")
	appKey := flag.String("app-key", os.Getenv("VOLC_APP_KEY"), "vendor app key")
	accessKey := flag.String("access-key", os.Getenv("VOLC_ACCESS_KEY"), "vendor access key")
	language := flag.String("language", "", "recognition language, e.g. zh-CN")
	modelV2 := flag.Bool("model-v2", false, "use the V2 model")
	vad := flag.Bool("vad", false, "enable server side VAD")
	secret := flag.String("secret", os.Getenv("AUTH_SECRET"), "mint an access token with this secret")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	audio, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatal("Failed to read audio file", zap.String("file", *file), zap.Error(err))
	}
	if len(audio) > wavHeaderSize && string(audio[:4]) == "RIFF" {
		audio = audio[wavHeaderSize:]
	}

	q := url.Values{}
	q.Set("appKey", *appKey)
	q.Set("accessKey", *accessKey)
	if *language != "" {
		q.Set("language", *language)
	}
	if *modelV2 {
		q.Set("modelV2", "true")
	}
	if *vad {
		q.Set("enableVad", "true")
	}
	if authn := auth.NewAuthenticator(*secret); authn.Enabled() {
		token, err := authn.GenerateClientToken("asrclient", time.Hour)
		if err != nil {
			logger.Fatal("Failed to mint access token", zap.Error(err))
		}
		q.Set("token", token)
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/" + *provider, RawQuery: q.Encode()}
	logger.Info("Connecting", zap.String("url", u.Redacted()))

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	ready := make(chan struct{})
	done := make(chan struct{})
	go readEvents(conn, ready, done, logger)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-ready:
	case <-done:
		return
	case <-interrupt:
		return
	}

	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	for offset := 0; offset < len(audio); offset += chunkSize {
		end := min(offset+chunkSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[offset:end]); err != nil {
			logger.Error("write audio", zap.Error(err))
			return
		}

		select {
		case <-ticker.C:
		case <-done:
			return
		case <-interrupt:
			closeConn(conn, done, logger)
			return
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_end"}`)); err != nil {
		logger.Error("write audio_end", zap.Error(err))
		return
	}
	logger.Info("Audio sent, waiting for final result", zap.Int("bytes", len(audio)))

	select {
	case <-done:
	case <-interrupt:
		closeConn(conn, done, logger)
	}
}

func readEvents(conn *websocket.Conn, ready, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	readyOnce := false

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Info("Closed by proxy", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
			} else {
				logger.Error("read", zap.Error(err))
			}
			return
		}

		fmt.Println(string(message))
		if !readyOnce && string(message) == `{"type":"ready"}` {
			readyOnce = true
			close(ready)
		}
	}
}

// closeConn sends a close frame and waits briefly for the proxy to answer
func closeConn(conn *websocket.Conn, done chan struct{}, logger *zap.Logger) {
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		logger.Error("write close", zap.Error(err))
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
