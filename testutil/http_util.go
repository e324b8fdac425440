package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/gobwas/ws/wsutil"
)

// BeaconContentType is what browsers send with navigator.sendBeacon and a string payload.
const BeaconContentType = "text/plain;charset=UTF-8"

func ReadBody(res *http.Response, t *testing.T) []byte {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func Unmarshal(res *http.Response, v interface{}, t *testing.T) {
	t.Helper()
	body := ReadBody(res, t)
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("failed to unmarshal %q: %v", body, err)
	}
}

type RequestOptions struct {
	Username    string
	Password    string
	ContentType string
}

func Get(url string, t *testing.T, op ...RequestOptions) *http.Response {
	return SendRequest(http.MethodGet, url, nil, t, op...)
}

func Put(url string, request interface{}, t *testing.T, op ...RequestOptions) *http.Response {
	return SendRequest(http.MethodPut, url, request, t, op...)
}

func Post(url string, request interface{}, t *testing.T, op ...RequestOptions) *http.Response {
	return SendRequest(http.MethodPost, url, request, t, op...)
}

// Beacon posts reservation ids the way a closing checkout page does: a JSON body sent as text/plain,
// with no credentials.
func Beacon(url string, IDs []string, t *testing.T) *http.Response {
	return Post(url, map[string][]string{"reservation_ids": IDs}, t, RequestOptions{ContentType: BeaconContentType})
}

// SendRequest encodes request as JSON. A nil request sends no body.
func SendRequest(method, url string, request interface{}, t *testing.T, op ...RequestOptions) *http.Response {
	t.Helper()

	var body io.Reader
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}

	contentType := "application/json; charset=utf-8"
	if len(op) > 0 {
		if op[0].Username != "" || op[0].Password != "" {
			req.SetBasicAuth(op[0].Username, op[0].Password)
		}
		if op[0].ContentType != "" {
			contentType = op[0].ContentType
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func ReadWs(conn net.Conn, v interface{}, t *testing.T) {
	t.Helper()
	msg, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatal(err)
	}

	if err = json.Unmarshal(msg, v); err != nil {
		t.Fatal(err)
	}
}
