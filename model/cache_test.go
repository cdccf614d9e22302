package model

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vocalscribe/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn connects the cache to an in-process helper goroutine.
type fakeConn struct {
	io.Reader
	io.Writer
	once    sync.Once
	closeFn func()
	closed  atomic.Bool
}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.closed.Store(true)
		f.closeFn()
	})
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []Profile
	conns    []*fakeConn
	// loadErr returns a non-empty message to make the helper refuse to load profile.
	loadErr func(profile Profile) string
	handle  func(profile Profile, req map[string]interface{}) (interface{}, error)
}

func (l *fakeLauncher) Launch(profile Profile) (Conn, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	conn := &fakeConn{
		Reader: respR,
		Writer: reqW,
		closeFn: func() {
			reqW.Close()
			respR.Close()
		},
	}

	l.mu.Lock()
	l.launches = append(l.launches, profile)
	l.conns = append(l.conns, conn)
	l.mu.Unlock()

	go func() {
		defer respW.Close()
		enc := json.NewEncoder(respW)
		if l.loadErr != nil {
			if msg := l.loadErr(profile); msg != "" {
				enc.Encode(readyLine{Ready: false, Error: msg})
				return
			}
		}
		ct := profile.ComputeType
		if ct == "auto" {
			ct = "float16"
		}
		dev := profile.Device
		if dev == DeviceAuto {
			dev = "cuda"
		}
		if err := enc.Encode(readyLine{Ready: true, Device: dev, ComputeType: ct}); err != nil {
			return
		}

		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req map[string]interface{}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			result, err := l.handle(profile, req)
			if err != nil {
				enc.Encode(map[string]interface{}{"ok": false, "error": err.Error()})
				continue
			}
			raw, _ := json.Marshal(result)
			if enc.Encode(responseLine{OK: true, Result: raw}) != nil {
				return
			}
		}
	}()
	return conn, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func echoHandler(profile Profile, req map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"model": profile.Name, "audio": req["audio"]}, nil
}

var whisperBase = Profile{Slot: SlotTranscriber, Name: "base", Device: DeviceAuto, ComputeType: "auto"}

type echoResp struct {
	Model string `json:"model"`
	Audio string `json:"audio"`
}

func TestCache_LoadsOnceAndReuses(t *testing.T) {
	launcher := &fakeLauncher{handle: echoHandler}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	for i := 0; i < 3; i++ {
		var resp echoResp
		require.NoError(t, cache.Invoke(context.Background(), whisperBase, map[string]string{"audio": "a.wav"}, &resp))
		assert.Equal(t, "base", resp.Model)
		assert.Equal(t, "a.wav", resp.Audio)
	}
	assert.Equal(t, 1, launcher.launchCount())

	inst, err := cache.Get(context.Background(), whisperBase)
	require.NoError(t, err)
	assert.Equal(t, "cuda", inst.Device())
	assert.Equal(t, "float16", inst.ComputeType())
}

func TestCache_ReloadsOnModelNameChange(t *testing.T) {
	launcher := &fakeLauncher{handle: echoHandler}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	_, err := cache.Get(context.Background(), whisperBase)
	require.NoError(t, err)

	small := whisperBase
	small.Name = "small"
	var resp echoResp
	require.NoError(t, cache.Invoke(context.Background(), small, map[string]string{"audio": "b.wav"}, &resp))
	assert.Equal(t, "small", resp.Model)

	assert.Equal(t, 2, launcher.launchCount())
	assert.True(t, launcher.conns[0].closed.Load(), "old helper should be stopped")

	// Other slots are independent.
	sep := Profile{Slot: SlotSeparator, Name: "htdemucs", Device: DeviceAuto}
	_, err = cache.Get(context.Background(), sep)
	require.NoError(t, err)
	assert.Equal(t, 3, launcher.launchCount())
	assert.False(t, launcher.conns[1].closed.Load())
}

func TestCache_FallsBackToCPU(t *testing.T) {
	launcher := &fakeLauncher{
		handle: echoHandler,
		loadErr: func(profile Profile) string {
			if profile.Device != DeviceCPU {
				return "CUDA driver version is insufficient"
			}
			return ""
		},
	}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	inst, err := cache.Get(context.Background(), whisperBase)
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, inst.Device())
	assert.Equal(t, "int8", inst.ComputeType())
	require.Len(t, launcher.launches, 2)
	assert.Equal(t, Profile{Slot: SlotTranscriber, Name: "base", Device: DeviceCPU, ComputeType: "int8"}, launcher.launches[1])

	// The fallback instance is cached under the requested profile.
	_, err = cache.Get(context.Background(), whisperBase)
	require.NoError(t, err)
	assert.Equal(t, 2, launcher.launchCount())
}

func TestCache_LoadFailure(t *testing.T) {
	launcher := &fakeLauncher{
		handle:  echoHandler,
		loadErr: func(Profile) string { return "no module named faster_whisper" },
	}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	_, err := cache.Get(context.Background(), whisperBase)
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Contains(t, err.Error(), "no module named faster_whisper")

	// Already on CPU: no second attempt.
	cpu := Profile{Slot: SlotSeparator, Name: "htdemucs", Device: DeviceCPU}
	before := launcher.launchCount()
	_, err = cache.Get(context.Background(), cpu)
	assert.Error(t, err)
	assert.Equal(t, before+1, launcher.launchCount())
}

func TestCache_HelperErrorKeepsInstance(t *testing.T) {
	launcher := &fakeLauncher{
		handle: func(profile Profile, req map[string]interface{}) (interface{}, error) {
			if req["audio"] == "bad.wav" {
				return nil, errors.New("cannot decode audio")
			}
			return echoHandler(profile, req)
		},
	}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	err := cache.Invoke(context.Background(), whisperBase, map[string]string{"audio": "bad.wav"}, nil)
	var helperErr *HelperError
	require.True(t, errors.As(err, &helperErr))
	assert.Equal(t, "cannot decode audio", helperErr.Message)

	var resp echoResp
	require.NoError(t, cache.Invoke(context.Background(), whisperBase, map[string]string{"audio": "good.wav"}, &resp))
	assert.Equal(t, 1, launcher.launchCount())
}

func TestCache_SerializesCalls(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	launcher := &fakeLauncher{
		handle: func(profile Profile, req map[string]interface{}) (interface{}, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return echoHandler(profile, req)
		},
	}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var resp echoResp
			assert.NoError(t, cache.Invoke(context.Background(), whisperBase, map[string]string{"audio": "x.wav"}, &resp))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 1, launcher.launchCount())
}

func TestCache_CanceledCallEvictsInstance(t *testing.T) {
	block := make(chan struct{})
	launcher := &fakeLauncher{
		handle: func(profile Profile, req map[string]interface{}) (interface{}, error) {
			if req["audio"] == "slow.wav" {
				<-block
			}
			return echoHandler(profile, req)
		},
	}
	cache := NewCache(launcher, time.Second, logger.Discard())
	defer cache.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := cache.Invoke(ctx, whisperBase, map[string]string{"audio": "slow.wav"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var resp echoResp
	require.NoError(t, cache.Invoke(context.Background(), whisperBase, map[string]string{"audio": "fast.wav"}, &resp))
	assert.Equal(t, 2, launcher.launchCount())
}

func TestCache_Closed(t *testing.T) {
	launcher := &fakeLauncher{handle: echoHandler}
	cache := NewCache(launcher, time.Second, logger.Discard())

	_, err := cache.Get(context.Background(), whisperBase)
	require.NoError(t, err)
	require.NoError(t, cache.Close())
	assert.True(t, launcher.conns[0].closed.Load())

	_, err = cache.Get(context.Background(), whisperBase)
	assert.ErrorIs(t, err, ErrClosed)
}
