package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/classification"
	"github.com/example/image-classify/internal/engine"
	"github.com/example/image-classify/internal/handlers"
	"github.com/example/image-classify/internal/upload"
	"github.com/example/image-classify/internal/usecase"
)

// TestHelperProcess stands in for the classification engine when re-executed
// by the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	time.Sleep(300 * time.Millisecond)
	fmt.Println("--- Classification Result ---")
	fmt.Println("1. tabby cat - 87.50%")
	fmt.Println("2. unknown-format-line")
	os.Exit(0)
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	runner := engine.New(engine.Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
	})
	orchestrator := classification.NewOrchestrator(runner, classification.WithTimeout(10*time.Second))
	store, err := upload.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	uc := usecase.NewClassificationUseCase(orchestrator, nil, nil, logger)

	router := gin.New()
	handlers.RegisterRoutes(router, uc, store, runner, logger, handlers.Options{})

	requestStarted := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		router.ServeHTTP(w, r)
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 5*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := buildUpload(t)
	client := &http.Client{Timeout: 10 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/api/images/upload", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(payload))
		}
		var decoded struct {
			Predictions []classification.Prediction `json:"predictions"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("invalid response: %v", err)
		}
		if len(decoded.Predictions) != 2 || decoded.Predictions[0].Label != "tabby cat" || decoded.Predictions[1].Confidence != nil {
			t.Fatalf("unexpected predictions: %s", string(payload))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func buildUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "cat.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
