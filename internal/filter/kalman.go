package filter

import (
	"errors"
	"time"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// Kalman defaults.
const (
	defaultProcessVariance     = 1e-5
	defaultMeasurementVariance = 1e-2
	defaultInitialError        = 1.0
)

type kalmanParams struct {
	q  float64
	r  float64
	p0 float64
}

func parseKalman(p Params, extra ...string) (kalmanParams, error) {
	allowed := append([]string{"process_variance", "measurement_variance", "initial_error"}, extra...)
	if err := p.only(allowed...); err != nil {
		return kalmanParams{}, err
	}
	kp := kalmanParams{
		q:  p.Float("process_variance", defaultProcessVariance),
		r:  p.Float("measurement_variance", defaultMeasurementVariance),
		p0: p.Float("initial_error", defaultInitialError),
	}
	if kp.q < 0 {
		return kalmanParams{}, errors.New("process_variance must not be negative")
	}
	if kp.r <= 0 {
		return kalmanParams{}, errors.New("measurement_variance must be greater than 0")
	}
	if kp.p0 < 0 {
		return kalmanParams{}, errors.New("initial_error must not be negative")
	}
	return kp, nil
}

// gain runs the predict step on the error covariance and returns the Kalman
// gain together with the updated covariance.
func (kp kalmanParams) gain(p float64) (k, next float64) {
	p += kp.q
	k = p / (p + kp.r)
	return k, (1 - k) * p
}

// kalmanPixels smooths every sample of a raw frame over time with an
// independent one-dimensional Kalman estimate. The error covariance evolves
// the same way for every sample, so one covariance is shared by all of them.
type kalmanPixels struct {
	params   kalmanParams
	estimate []float32
	p        float64
	encoding frame.Encoding
}

func newKalmanPixels(p Params) (Filter, error) {
	kp, err := parseKalman(p)
	if err != nil {
		return nil, err
	}
	return &kalmanPixels{params: kp}, nil
}

func (k *kalmanPixels) Name() string { return "kalman" }

func (*kalmanPixels) NeedsPixels() bool { return true }

func (k *kalmanPixels) Apply(f *frame.Frame) (*frame.Frame, error) {
	if err := requireRaw(f); err != nil {
		return nil, err
	}

	if len(k.estimate) != len(f.Payload) || k.encoding != f.Encoding {
		// first frame, or the geometry changed: start from the measurement
		k.estimate = make([]float32, len(f.Payload))
		for i, b := range f.Payload {
			k.estimate[i] = float32(b)
		}
		k.p = k.params.p0
		k.encoding = f.Encoding
		return f, nil
	}

	gain, next := k.params.gain(k.p)
	k.p = next
	g := float32(gain)

	out := make([]byte, len(f.Payload))
	for i, b := range f.Payload {
		x := k.estimate[i] + g*(float32(b)-k.estimate[i])
		k.estimate[i] = x
		out[i] = clampByte(float64(x))
	}
	return f.WithPayload(out), nil
}

// jitter smooths the interval between decode timestamps, so frames delivered
// with network jitter get a regular cadence. It touches only metadata and
// works on compressed frames.
type jitter struct {
	params   kalmanParams
	maxDrift time.Duration

	started  bool
	lastIn   time.Duration
	lastOut  time.Duration
	interval float64
	p        float64
}

func newJitter(p Params) (Filter, error) {
	kp, err := parseKalman(p, "max_drift_ms")
	if err != nil {
		return nil, err
	}
	drift := p.Float("max_drift_ms", 100)
	if drift <= 0 {
		return nil, errors.New("max_drift_ms must be greater than 0")
	}
	return &jitter{params: kp, maxDrift: time.Duration(drift * float64(time.Millisecond))}, nil
}

func (j *jitter) Name() string { return "jitter" }

func (j *jitter) Apply(f *frame.Frame) (*frame.Frame, error) {
	ts := f.DecodeTime()
	if !j.started || ts <= j.lastIn {
		j.anchor(ts)
		return f, nil
	}

	measured := float64(ts - j.lastIn)
	j.lastIn = ts

	if j.interval == 0 {
		j.interval = measured
		j.p = j.params.p0
	} else {
		gain, next := j.params.gain(j.p)
		j.p = next
		j.interval += gain * (measured - j.interval)
	}

	out := j.lastOut + time.Duration(j.interval)
	if drift := out - ts; drift > j.maxDrift || drift < -j.maxDrift {
		out = ts
	}
	if out <= j.lastOut {
		out = j.lastOut + 1
	}
	j.lastOut = out

	if out == ts {
		return f, nil
	}
	return f.Retime(out), nil
}

func (j *jitter) anchor(ts time.Duration) {
	j.started = true
	j.lastIn = ts
	j.lastOut = ts
	j.interval = 0
	j.p = j.params.p0
}

func init() {
	Register("kalman", newKalmanPixels)
	Register("jitter", newJitter)
}
