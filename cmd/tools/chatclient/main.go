package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/transport/wire"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] failed to read .env: %v", err)
	}
	defaultAddr := os.Getenv("TCP_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:8888"
	}

	addr := flag.String("addr", defaultAddr, "chat server address")
	user := flag.String("user", "", "log in with this name and speak JSON frames")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()
	log.Printf("connected to %s, type messages or 'exit' to quit", *addr)

	jsonMode := *user != ""
	if jsonMode {
		if err := send(conn, map[string]string{"type": wire.FrameLogin, "username": *user}); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		printIncoming(conn, jsonMode)
	}()

	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		line := strings.TrimSpace(input.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			break
		}

		if jsonMode {
			err = send(conn, map[string]string{"type": wire.FramePost, "message": line})
		} else {
			_, err = fmt.Fprintln(conn, line)
		}
		if err != nil {
			log.Printf("send failed: %v", err)
			break
		}
	}

	_ = conn.Close()
	<-done
}

func send(conn net.Conn, frame map[string]string) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func printIncoming(conn net.Conn, jsonMode bool) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if jsonMode {
			line = render(line)
		}
		fmt.Println(line)
	}
}

// render turns a JSON frame back into the text protocol's layout.
func render(line string) string {
	var frame wire.Frame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return line
	}

	event := chat.Event{Kind: chat.Kind(frame.Type), Text: frame.Message}
	if event.Kind == chat.KindChatMessage {
		msg := &chat.Message{
			Sender:         frame.Username,
			Content:        frame.Message,
			AnalysisFailed: frame.AnalysisFailed,
		}
		if frame.Sentiment != nil {
			msg.Sentiment = &chat.Sentiment{Label: frame.Sentiment.Label, Score: frame.Sentiment.Score}
		}
		event.Message = msg
	}
	return wire.FormatText(event)
}
