package router

import (
	"context"
	"errors"
	"testing"

	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *hl7.Message {
	t.Helper()
	msg, err := hl7.Parse(raw)
	require.NoError(t, err)
	return msg
}

const (
	adtA04 = "MSH|^~\\&|HIS|HOSP|IPMS|LAB|20240101120000||ADT^A04|C1|P|2.4\rPID|1||OMANG1^^^^SS"
	adtA01 = "MSH|^~\\&|HIS|HOSP|IPMS|LAB|20240101120000||ADT^A01|C2|P|2.4\rPID|1||OMANG1^^^^SS"
)

func TestDispatch_RoutesByTypeAndTrigger(t *testing.T) {
	r := New()
	var got string
	r.Handle("ADT", "A04", func(_ context.Context, msg *hl7.Message) (*hl7.Message, error) {
		got = msg.ControlID()
		return nil, nil
	})

	reply, err := r.Dispatch(context.Background(), mustParse(t, adtA04))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, "C1", got)
}

func TestDispatch_Unsupported(t *testing.T) {
	r := New()
	r.Handle("ADT", "A04", func(context.Context, *hl7.Message) (*hl7.Message, error) { return nil, nil })

	_, err := r.Dispatch(context.Background(), mustParse(t, adtA01))

	var ute *hl7.UnsupportedTypeError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, "ADT", ute.Type)
	assert.Equal(t, "A01", ute.Trigger)
	assert.Contains(t, err.Error(), "ADT^A01")
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	r.Handle("adt", "a04", func(context.Context, *hl7.Message) (*hl7.Message, error) { return nil, boom })

	_, err := r.Dispatch(context.Background(), mustParse(t, adtA04))
	assert.ErrorIs(t, err, boom)
}

func TestRoutes(t *testing.T) {
	r := New()
	noop := func(context.Context, *hl7.Message) (*hl7.Message, error) { return nil, nil }
	r.Handle("ORM", "O01", noop)
	r.Handle("ADT", "A04", noop)

	assert.Equal(t, []string{"ADT^A04", "ORM^O01"}, r.Routes())
}
