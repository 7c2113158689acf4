package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/market"
)

// FileSignal is one entry in a YAML signal feed written by an upstream
// scanner.
type FileSignal struct {
	Symbol     string    `yaml:"symbol"`
	Direction  string    `yaml:"direction"`
	Entry      float64   `yaml:"entry"`
	Stop       float64   `yaml:"stop"`
	Target     float64   `yaml:"target,omitempty"`
	Score      float64   `yaml:"score"`
	Confidence float64   `yaml:"confidence,omitempty"`
	ATR        float64   `yaml:"atr,omitempty"`
	Volume24h  float64   `yaml:"volume_24h,omitempty"`
	ADX        float64   `yaml:"adx,omitempty"`
	PlusDI     float64   `yaml:"plus_di,omitempty"`
	MinusDI    float64   `yaml:"minus_di,omitempty"`
	Reason     string    `yaml:"reason,omitempty"`
	Time       time.Time `yaml:"time"`
}

type feed struct {
	Signals []FileSignal `yaml:"signals"`
}

// File serves signals from a YAML feed. The file is read once per
// invocation; signals older than maxAge are ignored.
type File struct {
	path   string
	maxAge time.Duration
	rr     float64
	now    func() time.Time

	once     sync.Once
	err      error
	bySymbol map[string]Signal
}

func NewFile(path string, maxAge time.Duration, rr float64) *File {
	return &File{path: path, maxAge: maxAge, rr: rr, now: time.Now}
}

func (f *File) WithClock(now func() time.Time) *File {
	f.now = now
	return f
}

func (f *File) load() {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.bySymbol = map[string]Signal{}
		return
	}
	if err != nil {
		f.err = fmt.Errorf("read signal feed: %w", err)
		return
	}

	var fd feed
	if err := yaml.Unmarshal(data, &fd); err != nil {
		f.err = fmt.Errorf("parse signal feed %s: %w", f.path, err)
		return
	}

	f.bySymbol = make(map[string]Signal, len(fd.Signals))
	for _, fs := range fd.Signals {
		s, err := fs.signal(f.rr)
		if err != nil {
			f.err = err
			return
		}
		// Latest wins when a symbol repeats.
		if prev, ok := f.bySymbol[s.Symbol]; ok && prev.Time.After(s.Time) {
			continue
		}
		f.bySymbol[s.Symbol] = s
	}
}

func (fs FileSignal) signal(rr float64) (Signal, error) {
	dir, err := market.ParseDirection(fs.Direction)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %s: %v", ErrInvalidSignal, fs.Symbol, err)
	}
	s := Signal{
		Symbol:          fs.Symbol,
		Direction:       dir,
		EntryPrice:      fs.Entry,
		SuggestedStop:   fs.Stop,
		SuggestedTarget: fs.Target,
		Score:           fs.Score,
		Confidence:      fs.Confidence,
		ATR:             fs.ATR,
		Volume24h:       fs.Volume24h,
		Reason:          fs.Reason,
		Time:            fs.Time,
	}
	if s.SuggestedTarget == 0 && rr > 0 {
		s.SuggestedTarget = targetFor(dir, s.EntryPrice, s.SuggestedStop, rr)
	}
	if fs.ADX > 0 {
		s.Regime = &exits.Regime{ADX: fs.ADX, PlusDI: fs.PlusDI, MinusDI: fs.MinusDI}
	}
	if s.Reason == "" {
		s.Reason = "feed"
	}
	return s, s.Validate()
}

func (f *File) Signal(_ context.Context, symbol string) (*Signal, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.bySymbol[symbol]
	if !ok {
		return nil, nil
	}
	if f.maxAge > 0 && !s.Time.IsZero() && f.now().Sub(s.Time) > f.maxAge {
		return nil, nil
	}
	return &s, nil
}

// Regime returns the regime carried by the symbol's feed entry, fresh or not.
func (f *File) Regime(_ context.Context, symbol string) (*exits.Regime, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.bySymbol[symbol]; ok {
		return s.Regime, nil
	}
	return nil, nil
}
