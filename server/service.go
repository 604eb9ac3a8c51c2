package server

import (
	"fmt"
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// methodType is one exported method of the form func(*Args, *Reply) error.
type methodType struct {
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type
}

// newArgs allocates fresh *Args and *Reply values for one call.
func (m *methodType) newArgs() (argv, replyv reflect.Value) {
	return reflect.New(m.argType), reflect.New(m.replyType)
}

// service is a registered receiver, named after its struct type.
type service struct {
	name   string
	rcvr   reflect.Value
	method map[string]*methodType
}

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		method: suitableMethods(typ),
	}
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no method of the form func(*Args, *Reply) error", svc.name)
	}
	return svc, nil
}

func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		// Receiver, *Args, *Reply in; error out.
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		if mt.In(1).Kind() != reflect.Pointer || mt.In(2).Kind() != reflect.Pointer {
			continue
		}
		methods[m.Name] = &methodType{
			fn:        m.Func,
			argType:   mt.In(1).Elem(),
			replyType: mt.In(2).Elem(),
		}
	}
	return methods
}

// call invokes m on the receiver. A panicking method is reported as an error
// so one bad request cannot take the provider down.
func (s *service) call(m *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", s.name, r)
		}
	}()
	out := m.fn.Call([]reflect.Value{s.rcvr, argv, replyv})
	if e := out[0].Interface(); e != nil {
		return e.(error)
	}
	return nil
}
