package telemetry

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_WireShapeIsOrderedTuple(t *testing.T) {
	rec := Record{
		Elapsed:      1.5,
		Epoch:        1700000000.25,
		Group:        "browse",
		Duration:     0.1,
		Error:        "",
		CustomTimers: map[string]float64{"login": 0.05},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5, 1700000000.25, "browse", 0.1, "", {"login": 0.05}]`, string(data))
}

func TestRecord_NilTimersEncodeAsEmptyObject(t *testing.T) {
	data, err := json.Marshal(Record{Group: "g"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "{}")
}

func TestRecord_UnmarshalRejectsWrongArity(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`[1, 2, "g"]`), &rec)
	assert.Error(t, err)
}

func TestEncoderPump_AcrossPipe(t *testing.T) {
	pr, pw := io.Pipe()
	enc := NewEncoder(pw)

	go func() {
		for i := 0; i < 3; i++ {
			_ = enc.Put(Record{Group: "g", Elapsed: float64(i), Error: "boom"})
		}
		pw.Close()
	}()

	ch := NewChannel()
	n, err := Pump(pr, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, ch.Len())
}

func TestPump_SkipsMalformedLines(t *testing.T) {
	stream := `[1,2,"g",0.1,"",{}]` + "\n" +
		"debug: hit endpoint\n" +
		"\n" +
		`[3,4,"g",0.2,"boom",{"step":0.1}]` + "\n" +
		`[5,6,"g"]` + "\n" +
		`[7,8,"g",0.3,"",{}]` + "\n"

	ch := NewChannel()
	n, err := Pump(strings.NewReader(stream), ch)
	if err != nil {
		t.Fatalf("Pump() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Pump() forwarded %d records, want 3", n)
	}
	if ch.Len() != 3 {
		t.Errorf("channel holds %d records, want 3", ch.Len())
	}
}

func TestPump_StopsOnClosedSink(t *testing.T) {
	ch := NewChannel()
	ch.Close()
	n, err := Pump(strings.NewReader(`[1,2,"g",0.1,"",{}]`+"\n"), ch)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Pump() error = %v, want ErrClosed", err)
	}
	if n != 0 {
		t.Errorf("Pump() forwarded %d records, want 0", n)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a, b, c", "a b c"},
		{"line1\nline2", "line1 line2"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeError(tt.in))
		})
	}
}
