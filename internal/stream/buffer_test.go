package stream

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestReaderSeesBytesWrittenBeforeAndAfter(t *testing.T) {
	w := New()
	v := w.View()
	if _, err := w.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}

	result := make(chan []byte, 1)
	go func() {
		data, err := io.ReadAll(v.NewReader())
		if err != nil {
			t.Errorf("read all: %v", err)
		}
		result <- data
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := w.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-result:
		t.Fatal("reader finished before the writer closed")
	case <-time.After(20 * time.Millisecond):
	}
	w.Close()

	select {
	case data := <-result:
		if string(data) != "hello world" {
			t.Fatalf("unexpected data %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not finish after close")
	}
}

func TestReaderSurfacesWriterError(t *testing.T) {
	w := New()
	v := w.View()
	_, _ = w.Write([]byte("partial"))
	boom := errors.New("connection reset")
	w.CloseWithError(boom)

	data, err := io.ReadAll(v.NewReader())
	if !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
	if string(data) != "partial" {
		t.Fatalf("expected partial bytes before error, got %q", data)
	}
	if !errors.Is(v.Err(), boom) {
		t.Fatalf("expected view error, got %v", v.Err())
	}
}

func TestBytesOnlyAfterClose(t *testing.T) {
	w := New()
	v := w.View()
	_, _ = w.Write([]byte("abc"))
	if _, ok := v.Bytes(); ok {
		t.Fatal("expected bytes unavailable while open")
	}
	select {
	case <-v.Done():
		t.Fatal("done closed early")
	default:
	}
	w.Close()
	<-v.Done()
	data, ok := v.Bytes()
	if !ok || string(data) != "abc" || v.Len() != 3 {
		t.Fatalf("unexpected final bytes %q (ok=%v)", data, ok)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestIndependentReaders(t *testing.T) {
	w := New()
	v := w.View()
	_, _ = w.Write([]byte("0123456789"))
	w.Close()

	a, b := v.NewReader(), v.NewReader()
	buf := make([]byte, 4)
	n, _ := a.Read(buf)
	if string(buf[:n]) != "0123" {
		t.Fatalf("reader a got %q", buf[:n])
	}
	rest, _ := io.ReadAll(b)
	if string(rest) != "0123456789" {
		t.Fatalf("reader b got %q", rest)
	}
}
