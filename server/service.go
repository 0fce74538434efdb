package server

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"mini-hub/hub"
	"mini-hub/shape"
)

type methodType struct {
	hub.Method
	method reflect.Method
	svc    *service
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any, logger *zap.Logger) (*service, error) {
	// 1. 用 reflect.TypeOf / ValueOf 获取类型和值
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: hub receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: hub receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	// 2. 用类型名作为 service name
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	// 3. 扫描方法
	srv.registerMethods(logger)
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("server: %s has no hub methods", srv.name)
	}
	return srv, nil
}

// registerMethods 扫描 struct 的导出方法，过滤出符合 hub 签名的
//
//	func (h *Hub) Name([ctx context.Context,] params...) error
//	func (h *Hub) Name([ctx context.Context,] params...) (R, error)
func (s *service) registerMethods(logger *zap.Logger) {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		m, err := hub.InspectMethod(method.Name, method.Type, true)
		if err != nil {
			logger.Debug("skipping method", zap.String("hub", s.name), zap.Error(err))
			continue
		}
		s.method[method.Name] = &methodType{Method: m, method: method, svc: s}
	}
}

// call 通过反射调用方法
//
// args are converted to the parameter types first; missing trailing
// arguments are passed as zero values and extra ones are ignored.
func (s *service) call(ctx context.Context, m *methodType, args []any) (result any, err error) {
	in := make([]reflect.Value, 0, 2+len(m.Params))
	in = append(in, s.rcvr)
	if m.HasContext {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, p := range m.Params {
		if i >= len(args) {
			in = append(in, reflect.Zero(p))
			continue
		}
		v, err := shape.Coerce(args[i], p)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, m.Name, err)
		}
		if v == nil {
			in = append(in, reflect.Zero(p))
			continue
		}
		in = append(in, reflect.ValueOf(v))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", m.Name, r)
		}
	}()

	out := m.method.Func.Call(in)
	if errv := out[len(out)-1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if m.Kind == hub.ValueReturning {
		return out[0].Interface(), nil
	}
	return nil, nil
}
