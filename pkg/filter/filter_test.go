// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"testing"

	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/ratelimit"
)

func testDatagram() datagram.Datagram {
	return datagram.Datagram{
		Payload: []byte("ping"),
		Origin:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000},
	}
}

func TestNewDropChance_Invalid(t *testing.T) {
	for _, p := range []float64{-0.1, 1.01, math.NaN(), math.Inf(1)} {
		if _, err := NewDropChance(p); !errors.Is(err, errors.ErrInvalidConfig) {
			t.Errorf("NewDropChance(%v) error = %v, want ErrInvalidConfig", p, err)
		}
	}
}

func TestDropChance_Bounds(t *testing.T) {
	const trials = 10000

	tests := []struct {
		name  string
		p     float64
		drops int
	}{
		{"never drops", 0, 0},
		{"always drops", 1, trials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewDropChance(tt.p)
			if err != nil {
				t.Fatalf("NewDropChance(%v): %v", tt.p, err)
			}

			drops := 0
			for i := 0; i < trials; i++ {
				if _, ok := f.Apply(testDatagram()); !ok {
					drops++
				}
			}
			if drops != tt.drops {
				t.Errorf("Expected %d drops, got %d", tt.drops, drops)
			}
		})
	}
}

func TestDropChance_Converges(t *testing.T) {
	const trials = 200000

	for _, p := range []float64{0.1, 0.25, 0.5, 0.9} {
		f, err := NewDropChance(p)
		if err != nil {
			t.Fatalf("NewDropChance(%v): %v", p, err)
		}
		f.WithRand(rand.New(rand.NewPCG(42, uint64(p*1000))))

		drops := 0
		for i := 0; i < trials; i++ {
			if _, ok := f.Apply(testDatagram()); !ok {
				drops++
			}
		}

		got := float64(drops) / trials
		// Five standard deviations of a binomial proportion.
		tolerance := 5 * math.Sqrt(p*(1-p)/trials)
		if math.Abs(got-p) > tolerance {
			t.Errorf("p=%v: observed drop rate %v outside tolerance %v", p, got, tolerance)
		}
	}
}

func TestDropChance_PassesUnchanged(t *testing.T) {
	f, _ := NewDropChance(0)
	in := testDatagram()

	out, ok := f.Apply(in)
	if !ok {
		t.Fatal("Expected datagram to pass")
	}
	if string(out.Payload) != "ping" || out.Origin != in.Origin {
		t.Error("Expected datagram to pass unchanged")
	}
}

func TestDropChance_ConcurrentRand(t *testing.T) {
	f, _ := NewDropChance(0.5)
	f.WithRand(rand.New(rand.NewPCG(1, 2)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				f.Apply(testDatagram())
			}
		}()
	}
	wg.Wait()
}

func TestCompose(t *testing.T) {
	drop := Func(func(d datagram.Datagram) (datagram.Datagram, bool) { return d, false })

	tests := []struct {
		name string
		f    Filter
		pass bool
	}{
		{"empty is pass", Compose(), true},
		{"nil entries skipped", Compose(nil, nil), true},
		{"single", Compose(drop), false},
		{"chain first drop wins", Compose(Pass{}, drop, Pass{}), false},
		{"chain all pass", Compose(Pass{}, Pass{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := tt.f.Apply(testDatagram()); ok != tt.pass {
				t.Errorf("Apply() pass = %v, want %v", ok, tt.pass)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	l := ratelimit.NewLimiter(0.001, 2, 0)
	defer l.Close()
	f := NewRateLimit(l)

	d := testDatagram()
	for i := 0; i < 2; i++ {
		if _, ok := f.Apply(d); !ok {
			t.Fatalf("Expected datagram %d to pass", i)
		}
	}
	if _, ok := f.Apply(d); ok {
		t.Error("Expected datagram over burst to be dropped")
	}

	// Downstream datagrams are keyed by session, not by the server origin.
	reply := datagram.Datagram{
		Payload: []byte("pong"),
		Origin:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000},
		Session: "127.0.0.1:9001",
	}
	if _, ok := f.Apply(reply); !ok {
		t.Error("Expected first datagram of another session to pass")
	}
}
