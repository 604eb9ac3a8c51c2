package arith

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArith(t *testing.T) {
	var (
		svc   Arith
		reply Reply
	)
	require.NoError(t, svc.Add(&Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)
	require.NoError(t, svc.Multiply(&Args{A: 4, B: 5}, &reply))
	assert.Equal(t, 20, reply.Result)
	require.NoError(t, svc.Divide(&Args{A: 9, B: 3}, &reply))
	assert.Equal(t, 3, reply.Result)
	assert.ErrorIs(t, svc.Divide(&Args{A: 1}, &reply), ErrDivideByZero)
}

// localCaller dispatches straight to an Arith value through JSON, the way the
// wire does.
type localCaller struct {
	svc     Arith
	methods []string
}

func (l *localCaller) Call(_ context.Context, method string, args, reply any) error {
	l.methods = append(l.methods, method)
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var in Args
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	out := reply.(*Reply)
	switch method {
	case "Add":
		return l.svc.Add(&in, out)
	case "Multiply":
		return l.svc.Multiply(&in, out)
	default:
		return l.svc.Divide(&in, out)
	}
}

func TestClientStub(t *testing.T) {
	caller := &localCaller{}
	c := NewClient(caller)
	ctx := context.Background()

	sum, err := c.Add(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	product, err := c.Multiply(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, product)

	_, err = c.Divide(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrDivideByZero)
	assert.Equal(t, []string{"Add", "Multiply", "Divide"}, caller.methods)
}
