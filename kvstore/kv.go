package kvstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/raft"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// KVStore is a client of the key value store served by the members of a
// cluster. Requests go to the member that answered last and move on to
// the next member when it fails or does not lead.
// This is a thread-safe library.
type KVStore struct {
	Servers            []common.CoreMember
	LastKnownResponder *atomic.Int32
	httpClient         *http.Client
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// ValueResponse is the body of a successful Get.
type ValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewKeyValStore(servers []common.CoreMember, timeout time.Duration) (*KVStore, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers to connect to")
	}
	return &KVStore{
		Servers:            servers,
		LastKnownResponder: atomic.NewInt32(0),
		httpClient:         &http.Client{Timeout: timeout},
	}, nil
}

func keyURL(server common.CoreMember, key string) string {
	return fmt.Sprintf("http://%s/kv/%s", server.DataAddress, url.PathEscape(key))
}

// do sends the request built by newRequest to every server in turn until
// one of them answers with a status other than 5xx or 421.
func (kv *KVStore) do(newRequest func(server common.CoreMember) (*http.Request, error)) (status int, body []byte, err error) {
	lastKnownResponder := int(kv.LastKnownResponder.Load())
	for i := 0; i < len(kv.Servers); i++ {
		index := (i + lastKnownResponder) % len(kv.Servers)
		server := kv.Servers[index]
		req, reqErr := newRequest(server)
		if reqErr != nil {
			return 0, nil, reqErr
		}
		resp, reqErr := kv.httpClient.Do(req)
		if reqErr != nil {
			err = multierr.Append(err, reqErr)
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			err = multierr.Append(err, readErr)
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusMisdirectedRequest {
			err = multierr.Append(err, fmt.Errorf("%v: %s", server.DataAddress, errorMessage(data, resp.StatusCode)))
			continue
		}
		kv.LastKnownResponder.Store(int32(index))
		return resp.StatusCode, data, nil
	}
	return 0, nil, err
}

func errorMessage(body []byte, status int) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return http.StatusText(status)
	}
	return resp.Error
}

func (kv *KVStore) write(method, key string, body []byte) (Result, error) {
	status, data, err := kv.do(func(server common.CoreMember) (*http.Request, error) {
		return http.NewRequest(method, keyURL(server, key), bytes.NewReader(body))
	})
	if err != nil {
		return Result{}, err
	}
	if status != http.StatusOK {
		return Result{}, errors.New(errorMessage(data, status))
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Set method can be used to add or update key-value pair in the store.
func (kv *KVStore) Set(key, val string) (Result, error) {
	return kv.write(http.MethodPut, key, []byte(val))
}

func (kv *KVStore) Delete(key string) (Result, error) {
	return kv.write(http.MethodDelete, key, nil)
}

// Get method can be used to get the value corresponding to the given key
// in the store. The answering member may lag behind the leader.
func (kv *KVStore) Get(key string) (string, error) {
	status, data, err := kv.do(func(server common.CoreMember) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, keyURL(server, key), nil)
	})
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		var resp ValueResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", err
		}
		return resp.Value, nil
	case http.StatusNotFound:
		return "", ErrKeyNotFound
	default:
		return "", errors.New(errorMessage(data, status))
	}
}

// StatusOf asks one member for its raft status.
func (kv *KVStore) StatusOf(server common.CoreMember) (raft.Status, error) {
	var status raft.Status
	resp, err := kv.httpClient.Get(fmt.Sprintf("http://%s/status", server.DataAddress))
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%v: %s", server.DataAddress, http.StatusText(resp.StatusCode))
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	return status, err
}
