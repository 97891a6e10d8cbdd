package encoding

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type sampleRow struct {
	Host    string            `msgpack:"h"`
	Port    int               `msgpack:"p"`
	Status  int32             `msgpack:"s"`
	Alive   time.Time         `msgpack:"a"`
	Labels  map[string]string `msgpack:"l"`
	Suspect []string          `msgpack:"v"`
}

func TestRoundTrip_Struct(t *testing.T) {
	in := sampleRow{
		Host:    "10.0.0.1",
		Port:    11111,
		Status:  2,
		Alive:   time.Date(2024, 1, 1, 12, 0, 0, 123, time.UTC),
		Labels:  map[string]string{"role": "api"},
		Suspect: []string{"10.0.0.2:11111@5"},
	}

	data, err := Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sampleRow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.Host != in.Host || out.Port != in.Port || out.Status != in.Status {
		t.Errorf("scalar mismatch: got %+v", out)
	}
	if !out.Alive.Equal(in.Alive) {
		t.Errorf("time mismatch: got %v, want %v", out.Alive, in.Alive)
	}
	if out.Labels["role"] != "api" || len(out.Suspect) != 1 {
		t.Errorf("collection mismatch: got %+v", out)
	}
}

func TestMarshal_DeterministicMaps(t *testing.T) {
	m := map[string]interface{}{"z": 1, "a": 2, "m": 3, "b": 4, "y": 5}

	first, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not deterministic")
		}
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(sampleRow{Host: "h", Port: id, Status: int32(j)})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out sampleRow
				if err := Unmarshal(data, &out); err != nil || out.Port != id {
					t.Errorf("round trip failed: %v %+v", err, out)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestUnmarshal_StringsStayStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"host": "node-1", "raw": []byte("bin")})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map[string]interface{}, got %T", result)
	}
	for key, val := range m {
		if _, ok := val.(string); !ok {
			t.Errorf("value for %q is %T, expected string", key, val)
		}
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	var out sampleRow
	if err := Unmarshal([]byte{0xc1}, &out); err == nil {
		t.Error("expected error decoding reserved byte")
	}
}
