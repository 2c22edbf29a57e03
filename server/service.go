package server

import (
	"context"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]Handler
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	// 用类型名作为 service name
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]Handler),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no method of type func(context.Context, []byte) ([]byte, error)", s.name)
	}
	return s, nil
}

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	// 合法条件: (receiver, context.Context, []byte) ([]byte, error)
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != bytesType ||
			mt.Out(0) != bytesType || mt.Out(1) != errorType {
			continue
		}
		s.method[method.Name] = s.handler(method)
	}
}

// handler 通过反射调用方法
func (s *service) handler(method reflect.Method) Handler {
	fn := method.Func
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		args := [3]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(payload)}
		results := fn.Call(args[:])
		var err error
		if !results[1].IsNil() {
			err = results[1].Interface().(error)
		}
		return results[0].Bytes(), err
	}
}

// definition maps "TypeName.Method" to each handler, the names a generated stub would bind.
func (s *service) definition() ServiceDefinition {
	def := make(ServiceDefinition, len(s.method))
	for name, h := range s.method {
		def[s.name+"."+name] = h
	}
	return def
}
