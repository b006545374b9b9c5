package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"procbridge/message"
	"procbridge/middleware"
)

// ErrUnknownAPI is returned by Router.Handle for an api nobody registered.
// Its text is what the client sees, so it carries no api name; the logging
// middleware records the api next to the error.
var ErrUnknownAPI = errors.New("unknown api")

// Router dispatches requests to per-api handlers. Its Handle method is a
// middleware.HandlerFunc and can be passed straight to NewServer.
type Router struct {
	mu     sync.RWMutex
	routes map[string]middleware.HandlerFunc
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]middleware.HandlerFunc)}
}

// HandleFunc registers fn for api. Registering an api twice is an error.
func (r *Router) HandleFunc(api string, fn middleware.HandlerFunc) error {
	if api == "" {
		return errors.New("rpc: empty api name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[api]; ok {
		return fmt.Errorf("rpc: duplicate api: %s", api)
	}
	r.routes[api] = fn
	return nil
}

// Handle dispatches to the handler registered for api.
func (r *Router) Handle(ctx context.Context, api string, body message.Body) (message.Body, error) {
	r.mu.RLock()
	fn, ok := r.routes[api]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAPI
	}
	return fn(ctx, api, body)
}

// APIs lists registered api names, sorted.
func (r *Router) APIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apis := make([]string, 0, len(r.routes))
	for api := range r.routes {
		apis = append(apis, api)
	}
	sort.Strings(apis)
	return apis
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	bodyType    = reflect.TypeOf(message.Body(nil))
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Register scans the exported methods of rcvr (a pointer to a struct) and
// registers every method shaped like one of
//
//	func() (message.Body, error)
//	func(message.Body) (message.Body, error)
//	func(context.Context, message.Body) (message.Body, error)
//
// under its name with the first letter lowered: method Add serves api "add".
// Methods with any other shape are skipped.
func (r *Router) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		call, ok := methodHandler(val.Method(i), method.Type)
		if !ok {
			continue
		}
		if err := r.HandleFunc(apiName(method.Name), call); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("rpc: %s has no methods with a handler signature", typ.Elem().Name())
	}
	return nil
}

// methodHandler adapts a bound method to a HandlerFunc. mtype includes the
// receiver as In(0).
func methodHandler(fn reflect.Value, mtype reflect.Type) (middleware.HandlerFunc, bool) {
	if mtype.NumOut() != 2 || mtype.Out(0) != bodyType || mtype.Out(1) != errorType {
		return nil, false
	}

	var withCtx, withBody bool
	switch mtype.NumIn() {
	case 1:
	case 2:
		withBody = mtype.In(1) == bodyType
		if !withBody {
			return nil, false
		}
	case 3:
		withCtx = mtype.In(1) == contextType
		withBody = mtype.In(2) == bodyType
		if !withCtx || !withBody {
			return nil, false
		}
	default:
		return nil, false
	}

	return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		args := make([]reflect.Value, 0, 2)
		if withCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if withBody {
			args = append(args, reflect.ValueOf(body))
		}
		results := fn.Call(args)
		var err error
		if !results[1].IsNil() {
			err = results[1].Interface().(error)
		}
		return results[0].Interface().(message.Body), err
	}, true
}

func apiName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	return string(unicode.ToLower(r)) + method[size:]
}
