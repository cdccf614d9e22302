// Package model keeps the inference models loaded between tasks.
//
// A model lives in a helper process that loads it once and then answers
// newline-delimited JSON requests on stdin/stdout. The Cache owns at most one
// such instance per slot and reloads it only when the requested model name
// changes.
package model

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"vocalscribe/logger"
)

type Slot string

const (
	SlotSeparator   Slot = "separator"
	SlotTranscriber Slot = "transcriber"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"

	fallbackComputeType = "int8"
)

var (
	ErrClosed = errors.New("model cache closed")
	ErrBroken = errors.New("model helper is no longer usable")
)

// Profile identifies a model and the configuration to load it with.
// ComputeType is empty for models without a precision knob.
type Profile struct {
	Slot        Slot
	Name        string
	Device      string
	ComputeType string
}

// fallback returns the CPU, reduced-precision variant of s.
func (s Profile) fallback() (Profile, bool) {
	fb := s
	fb.Device = DeviceCPU
	if s.ComputeType != "" {
		fb.ComputeType = fallbackComputeType
	}
	return fb, fb != s
}

// HelperError is a failure reported by the helper for one request.
// The instance stays loaded.
type HelperError struct {
	Slot    Slot
	Message string
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("%s helper: %s", e.Slot, e.Message)
}

// LoadError means the helper could not load the model.
type LoadError struct {
	Profile Profile
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s model %q on %s: %v", e.Profile.Slot, e.Profile.Name, e.Profile.Device, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Conn is the byte stream to one helper process.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Launcher starts a helper for profile. The helper must first print a readiness line.
type Launcher interface {
	Launch(profile Profile) (Conn, error)
}

type readyLine struct {
	Ready       bool   `json:"ready"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
	Error       string `json:"error"`
}

type responseLine struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Instance is one loaded model. Calls are serialized: the inference engines
// behind the helpers are not reentrant.
type Instance struct {
	profile     Profile
	device      string
	computeType string

	mu     sync.Mutex
	conn   Conn
	reader *bufio.Reader
	broken bool
}

func (i *Instance) Profile() Profile { return i.profile }

// Device reports the device the helper actually loaded the model on.
func (i *Instance) Device() string { return i.device }

func (i *Instance) ComputeType() string { return i.computeType }

// Call sends req and decodes the result into resp. If ctx ends first the helper
// is killed, since its reply can no longer be matched to a request.
func (i *Instance) Call(ctx context.Context, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.broken {
		return ErrBroken
	}

	if _, err := i.conn.Write(append(payload, '\n')); err != nil {
		i.breakLocked()
		return fmt.Errorf("%w: write: %v", ErrBroken, err)
	}

	line, err := i.readLine(ctx)
	if err != nil {
		i.breakLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read: %v", ErrBroken, err)
	}

	var out responseLine
	if err := json.Unmarshal(line, &out); err != nil {
		i.breakLocked()
		return fmt.Errorf("%w: malformed response: %v", ErrBroken, err)
	}
	if !out.OK {
		return &HelperError{Slot: i.profile.Slot, Message: out.Error}
	}
	if resp != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, resp); err != nil {
			return fmt.Errorf("decode %s result: %w", i.profile.Slot, err)
		}
	}
	return nil
}

// Broken reports whether the helper died or was killed.
func (i *Instance) Broken() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.broken
}

// Close waits for an in-flight call and stops the helper.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.broken {
		return nil
	}
	i.broken = true
	return i.conn.Close()
}

func (i *Instance) breakLocked() {
	if !i.broken {
		i.broken = true
		i.conn.Close()
	}
}

type lineResult struct {
	line []byte
	err  error
}

func (i *Instance) readLine(ctx context.Context) ([]byte, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := i.reader.ReadBytes('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing the conn unblocks the reader goroutine.
		i.conn.Close()
		return nil, ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

type slot struct {
	mu   sync.Mutex
	inst *Instance
}

// Cache owns the loaded model instances.
type Cache struct {
	launcher    Launcher
	loadTimeout time.Duration
	log         *logger.Logger

	mu     sync.Mutex
	slots  map[Slot]*slot
	closed bool
}

func NewCache(launcher Launcher, loadTimeout time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		launcher:    launcher,
		loadTimeout: loadTimeout,
		log:         log,
		slots:       make(map[Slot]*slot),
	}
}

// Get returns the loaded instance for profile, loading or reloading it as needed.
func (c *Cache) Get(ctx context.Context, profile Profile) (*Instance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := c.slots[profile.Slot]
	if !ok {
		s = &slot{}
		c.slots[profile.Slot] = s
	}
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil {
		switch {
		case s.inst.Broken():
			c.log.WithField("slot", profile.Slot).Warn("model helper died, reloading")
		case s.inst.profile != profile:
			c.log.WithField("slot", profile.Slot).
				WithField("from", s.inst.profile.Name).
				WithField("to", profile.Name).
				Info("model changed, reloading")
			s.inst.Close()
		default:
			return s.inst, nil
		}
		s.inst = nil
	}

	inst, err := c.load(ctx, profile)
	if err != nil {
		return nil, err
	}
	s.inst = inst
	return inst, nil
}

// Invoke runs one request against the model described by profile.
func (c *Cache) Invoke(ctx context.Context, profile Profile, req, resp interface{}) error {
	inst, err := c.Get(ctx, profile)
	if err != nil {
		return err
	}
	return inst.Call(ctx, req, resp)
}

// Close stops every helper. Later calls fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	slots := c.slots
	c.slots = map[Slot]*slot{}
	c.mu.Unlock()

	var errs []error
	for _, s := range slots {
		s.mu.Lock()
		if s.inst != nil {
			if err := s.inst.Close(); err != nil {
				errs = append(errs, err)
			}
			s.inst = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Cache) load(ctx context.Context, profile Profile) (*Instance, error) {
	log := c.log.WithField("slot", profile.Slot).WithField("model", profile.Name)

	log.WithField("device", profile.Device).WithField("compute_type", profile.ComputeType).Info("loading model")
	inst, err := c.start(ctx, profile)
	if err == nil {
		log.WithField("device", inst.device).WithField("compute_type", inst.computeType).Info("model loaded")
		return inst, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	fb, ok := profile.fallback()
	if !ok {
		return nil, err
	}
	log.WithField("error", err.Error()).Warn("model load failed, falling back to CPU")
	inst, fbErr := c.start(ctx, fb)
	if fbErr != nil {
		return nil, fbErr
	}
	// Keyed by the requested profile so the next Get does not reload.
	inst.profile = profile
	log.WithField("device", inst.device).WithField("compute_type", inst.computeType).Info("model loaded")
	return inst, nil
}

func (c *Cache) start(ctx context.Context, profile Profile) (*Instance, error) {
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}

	conn, err := c.launcher.Launch(profile)
	if err != nil {
		return nil, &LoadError{Profile: profile, Err: err}
	}
	inst := &Instance{
		profile: profile,
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}

	line, err := inst.readLine(ctx)
	if err != nil {
		conn.Close()
		if errors.Is(err, io.EOF) {
			err = errors.New("helper exited before becoming ready")
		}
		return nil, &LoadError{Profile: profile, Err: err}
	}

	var ready readyLine
	if err := json.Unmarshal(line, &ready); err != nil {
		conn.Close()
		return nil, &LoadError{Profile: profile, Err: fmt.Errorf("malformed readiness line: %w", err)}
	}
	if !ready.Ready {
		conn.Close()
		return nil, &LoadError{Profile: profile, Err: errors.New(ready.Error)}
	}

	inst.device = ready.Device
	inst.computeType = ready.ComputeType
	return inst, nil
}
