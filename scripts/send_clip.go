package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/spf13/viper"
)

type clipConfig struct {
	Server struct {
		Addr   string `mapstructure:"addr"`
		WSPath string `mapstructure:"ws_path"`
	} `mapstructure:"server"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	clip := flag.String("clip", "", "")
	target := flag.String("url", "", "")
	lang := flag.String("lang", "en", "")
	sampleRate := flag.Int("sample_rate", 48000, "")
	timeout := flag.Duration("timeout", 30*time.Second, "")
	flag.Parse()
	if *clip == "" {
		fmt.Println("usage: send_clip -clip=question.webm [-config=...] [-url=ws://host:3005/ws]")
		os.Exit(1)
	}
	wsURL := *target
	if wsURL == "" {
		cfg, err := loadClipConfig(*configPath)
		if err != nil {
			fmt.Println("config error:", err)
			os.Exit(1)
		}
		wsURL = relayURL(cfg.Server.Addr, cfg.Server.WSPath)
	}
	raw, err := os.ReadFile(*clip)
	if err != nil {
		fmt.Println("clip error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	frame, err := events.Encode(events.Event{
		Name:    events.SendAudio,
		Payload: events.SendAudioData{Audio: raw, SampleRate: *sampleRate, Lang: *lang, Name: *clip},
	})
	if err != nil {
		fmt.Println("encode error:", err)
		os.Exit(1)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		fmt.Println("send error:", err)
		os.Exit(1)
	}
	fmt.Printf("sent %d bytes to %s\n", len(raw), wsURL)

	chunks := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("read error:", err)
			os.Exit(1)
		}
		env, err := events.Decode(msg)
		if err != nil {
			continue
		}
		switch env.Event {
		case events.Connected:
			fmt.Println("session:", env.SessionID)
		case events.AudioStream:
			chunks++
		case events.ChatResponse:
			printResponse(env, chunks)
			return
		}
	}
}

func printResponse(env events.Envelope, chunks int) {
	var failed events.ErrorData
	if err := json.Unmarshal(env.Data, &failed); err == nil && failed.Error != "" {
		fmt.Println("error:", failed.Error, failed.Details)
		os.Exit(2)
	}
	var data events.ChatResponseData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		fmt.Println("decode error:", err)
		os.Exit(1)
	}
	fmt.Println("request_id:", env.RequestID)
	fmt.Println("transcript:", data.Transcript)
	fmt.Println("answer:", data.Chat.Answer)
	fmt.Printf("audio: %d bytes in %d chunks\n", len(data.Audio), chunks)
}

func loadClipConfig(path string) (clipConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":3005")
	v.SetDefault("server.ws_path", "/ws")
	if err := v.ReadInConfig(); err != nil {
		return clipConfig{}, err
	}
	var cfg clipConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return clipConfig{}, err
	}
	return cfg, nil
}

func relayURL(addr, path string) string {
	host := strings.TrimSpace(addr)
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: "ws", Host: host, Path: path}
	return u.String()
}
