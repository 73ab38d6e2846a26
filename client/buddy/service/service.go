package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
)

type Caller interface {
	Call(ctx context.Context, method, path string, body, out any, opts ...gateway.CallOption) error
}

// Service maps the goal and buddy endpoints onto typed calls.
type Service struct {
	gw Caller
}

func New(gw Caller) *Service {
	return &Service{gw: gw}
}

// unwrapList decodes either a bare array or the array under key.
func unwrapList[T any](raw json.RawMessage, key string) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	out := []T{}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	if raw[0] == '[' {
		err := json.Unmarshal(raw, &out)
		return out, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	inner, ok := obj[key]
	if !ok || bytes.Equal(bytes.TrimSpace(inner), []byte("null")) {
		return out, nil
	}
	err := json.Unmarshal(inner, &out)
	return out, err
}

// unwrapObject decodes either a bare object or the object under key. A
// null under key reports ok=false.
func unwrapObject[T any](raw json.RawMessage, key string) (T, bool, error) {
	var out T
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return out, false, err
	}
	if inner, ok := obj[key]; ok {
		if bytes.Equal(bytes.TrimSpace(inner), []byte("null")) {
			return out, false, nil
		}
		raw = inner
	}
	err := json.Unmarshal(raw, &out)
	return out, err == nil, err
}

func badResponse(path string, err error) error {
	commonlog.Warnf("event=buddy_call action=decode status=failed path=%s error=%q", path, err.Error())
	return gateway.NewError(gateway.KindServer, gateway.MsgBadResponse)
}

func idPath(prefix, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", gateway.NewError(gateway.KindValidation, "An id is required.")
	}
	return prefix + gateway.PathEscape(id), nil
}

func list[T any](ctx context.Context, gw Caller, path, key string) ([]T, error) {
	var raw json.RawMessage
	if err := gw.Call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out, err := unwrapList[T](raw, key)
	if err != nil {
		return nil, badResponse(path, err)
	}
	return out, nil
}

func (s *Service) message(ctx context.Context, method, path string, body any) (string, error) {
	var resp httpresp.MessageResponse
	if err := s.gw.Call(ctx, method, path, body, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}
