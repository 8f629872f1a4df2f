package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// WriteRequest frames and writes one request.
func WriteRequest(w io.Writer, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return writeFrame(w, payload, MaxRequestBytes)
}

// WriteResponse frames and writes one response.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return writeFrame(w, payload, MaxResponseBytes)
}

// ReadRequest reads and decodes one request, failing closed once more
// than maxBytes arrive.
func ReadRequest(r io.Reader, maxBytes int) (Request, error) {
	payload, err := readFrame(r, maxBytes)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ReadResponse reads and decodes one response, failing closed once more
// than maxBytes arrive.
func ReadResponse(r io.Reader, maxBytes int) (Response, error) {
	payload, err := readFrame(r, maxBytes)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// ReadResponseWithTimeout reads one response under a read deadline.
func ReadResponseWithTimeout(conn net.Conn, maxBytes int, timeout time.Duration) (Response, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Response{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadResponse(conn, maxBytes)
}

func writeFrame(w io.Writer, payload []byte, maxBytes int) error {
	if len(payload) > maxBytes {
		return ErrMessageTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

func readFrame(r io.Reader, maxBytes int) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if int64(length) > int64(maxBytes) {
		return nil, ErrMessageTooLarge
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
