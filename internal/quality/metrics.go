// Package quality inspects generated audio for provider-side corruption.
// The detector computes scalar signal metrics over short-time frames and a
// spectral transform, then applies independent heuristic rules, each with
// its own confidence. It is pure and stateless: analysis never mutates
// shared state and never panics on malformed input.
package quality

import (
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Short-time framing parameters for energy and silence analysis.
const (
	frameDuration = 25 * time.Millisecond
	hopDuration   = 10 * time.Millisecond
)

// Metrics is the set of scalar measurements taken from one audio buffer.
type Metrics struct {
	Duration   time.Duration
	SampleRate int

	RMSEnergy     float64
	PeakAmplitude float64
	DynamicRange  float64

	SilencePercent  float64 // 0..100
	ClippingPercent float64 // 0..100

	HighFreqEnergy   float64 // fraction of spectral energy above 4 kHz
	SpectralCentroid float64 // Hz
	SpectralRolloff  float64 // Hz, 85% energy point
	SpectralFlatness float64 // geometric/arithmetic mean of power spectrum
	ZeroCrossingRate float64 // crossings per sample

	SNREstimate        float64 // dB
	HarmonicNoiseRatio float64 // dB
}

// segment is a time range in seconds.
type segment struct {
	start, end float64
}

func (s segment) duration() float64 { return s.end - s.start }

// rmsEnergy computes the root-mean-square of samples.
func rmsEnergy(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// amplitudeDB converts a linear amplitude to decibels.
func amplitudeDB(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

// frameRMS computes per-frame RMS energies over samples with the given
// frame and hop sizes in samples.
func frameRMS(samples []float64, frameLen, hopLen int) []float64 {
	if frameLen <= 0 || hopLen <= 0 || len(samples) < frameLen {
		return nil
	}
	n := (len(samples)-frameLen)/hopLen + 1
	out := make([]float64, 0, n)
	for i := 0; i+frameLen <= len(samples); i += hopLen {
		out = append(out, rmsEnergy(samples[i:i+frameLen]))
	}
	return out
}

// silenceSegments finds continuous runs of frames below the silence
// threshold (in dB) and returns them as time ranges.
func silenceSegments(samples []float64, sampleRate int, thresholdDB float64) []segment {
	frameLen := int(frameDuration.Seconds() * float64(sampleRate))
	hopLen := int(hopDuration.Seconds() * float64(sampleRate))
	energies := frameRMS(samples, frameLen, hopLen)
	if energies == nil {
		return nil
	}

	hopSec := float64(hopLen) / float64(sampleRate)
	total := float64(len(samples)) / float64(sampleRate)

	var segs []segment
	inSilence := false
	var start float64
	for i, e := range energies {
		t := float64(i) * hopSec
		silent := amplitudeDB(e) < thresholdDB
		switch {
		case silent && !inSilence:
			start = t
			inSilence = true
		case !silent && inSilence:
			segs = append(segs, segment{start: start, end: t})
			inSilence = false
		}
	}
	if inSilence {
		segs = append(segs, segment{start: start, end: total})
	}
	return segs
}

// zeroCrossingRate counts sign changes per sample.
func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples))
}

// spectralFeatures holds the frequency-domain measurements from one
// full-signal transform.
type spectralFeatures struct {
	centroid float64
	rolloff  float64
	highFreq float64
	flatness float64
}

// analyzeSpectrum computes magnitude-spectrum features over the whole
// buffer.
func analyzeSpectrum(samples []float64, sampleRate int) spectralFeatures {
	var feats spectralFeatures
	if len(samples) < 2 {
		return feats
	}

	fft := fourier.NewFFT(len(samples))
	coeffs := fft.Coefficients(nil, samples)

	n := len(coeffs)
	magnitude := make([]float64, n)
	power := make([]float64, n)
	freqs := make([]float64, n)
	var magSum, powSum float64
	for i, c := range coeffs {
		m := cmplxAbs(c)
		magnitude[i] = m
		power[i] = m * m
		freqs[i] = fft.Freq(i) * float64(sampleRate)
		magSum += m
		powSum += power[i]
	}
	if magSum == 0 || powSum == 0 {
		return feats
	}

	// Centroid: magnitude-weighted mean frequency.
	var weighted float64
	for i := range magnitude {
		weighted += freqs[i] * magnitude[i]
	}
	feats.centroid = weighted / magSum

	// Rolloff: frequency below which 85% of spectral energy lies.
	var cum float64
	feats.rolloff = freqs[n-1]
	for i := range power {
		cum += power[i]
		if cum >= 0.85*powSum {
			feats.rolloff = freqs[i]
			break
		}
	}

	// High-frequency energy ratio above 4 kHz.
	var high float64
	for i := range power {
		if freqs[i] > 4000 {
			high += power[i]
		}
	}
	feats.highFreq = high / powSum

	// Flatness: geometric over arithmetic mean of the power spectrum.
	var logSum float64
	for _, p := range power {
		logSum += math.Log(math.Max(p, 1e-10))
	}
	geoMean := math.Exp(logSum / float64(n))
	feats.flatness = geoMean / (powSum / float64(n))

	return feats
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// spectrogram computes a Hann-windowed short-time magnitude spectrogram.
// Rows are frames, columns are frequency bins.
func spectrogram(samples []float64, sampleRate int) (frames [][]float64, freqs []float64) {
	frameLen := int(frameDuration.Seconds() * float64(sampleRate))
	hopLen := int(hopDuration.Seconds() * float64(sampleRate))
	if frameLen <= 0 || hopLen <= 0 || len(samples) < frameLen {
		return nil, nil
	}

	window := make([]float64, frameLen)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(frameLen-1)))
	}

	fft := fourier.NewFFT(frameLen)
	bins := frameLen/2 + 1
	freqs = make([]float64, bins)
	for i := 0; i < bins; i++ {
		freqs[i] = fft.Freq(i) * float64(sampleRate)
	}

	buf := make([]float64, frameLen)
	for i := 0; i+frameLen <= len(samples); i += hopLen {
		for j := 0; j < frameLen; j++ {
			buf[j] = samples[i+j] * window[j]
		}
		coeffs := fft.Coefficients(nil, buf)
		row := make([]float64, bins)
		for j, c := range coeffs {
			row[j] = cmplxAbs(c)
		}
		frames = append(frames, row)
	}
	return frames, freqs
}

// estimateSNR approximates signal-to-noise ratio by treating the first
// 100 ms as the noise floor.
func estimateSNR(samples []float64, sampleRate int) float64 {
	if len(samples) <= sampleRate { // need over a second to split
		return 30.0
	}
	noiseLen := sampleRate / 10
	noise := samples[:noiseLen]
	signal := samples[noiseLen:]

	noisePower := meanSquare(noise)
	signalPower := meanSquare(signal)
	if noisePower <= 0 {
		return 60.0
	}
	return 10 * math.Log10(signalPower/noisePower)
}

func meanSquare(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return sum / float64(len(samples))
}

// computeMetrics gathers every scalar measurement for one buffer.
func computeMetrics(samples []float64, sampleRate int, silenceThresholdDB float64) Metrics {
	duration := time.Duration(float64(len(samples)) / float64(sampleRate) * float64(time.Second))

	m := Metrics{
		Duration:   duration,
		SampleRate: sampleRate,
		RMSEnergy:  rmsEnergy(samples),
	}

	for _, s := range samples {
		if a := math.Abs(s); a > m.PeakAmplitude {
			m.PeakAmplitude = a
		}
	}
	m.DynamicRange = m.PeakAmplitude / (m.RMSEnergy + 1e-10)

	// Clipping: samples beyond 95% of full scale.
	clipped := 0
	for _, s := range samples {
		if math.Abs(s) > 0.95 {
			clipped++
		}
	}
	if len(samples) > 0 {
		m.ClippingPercent = float64(clipped) / float64(len(samples)) * 100
	}

	if duration > 0 {
		var silence float64
		for _, seg := range silenceSegments(samples, sampleRate, silenceThresholdDB) {
			silence += seg.duration()
		}
		m.SilencePercent = silence / duration.Seconds() * 100
	}

	feats := analyzeSpectrum(samples, sampleRate)
	m.HighFreqEnergy = feats.highFreq
	m.SpectralCentroid = feats.centroid
	m.SpectralRolloff = feats.rolloff
	m.SpectralFlatness = feats.flatness
	m.ZeroCrossingRate = zeroCrossingRate(samples)

	m.SNREstimate = estimateSNR(samples, sampleRate)
	// Rough harmonic estimate; a full harmonic/percussive separation is
	// not worth the cost for a pass/fail gate.
	m.HarmonicNoiseRatio = m.SNREstimate * 0.8

	return m
}

// findPeaks returns indices of local maxima in xs that are at least
// minHeight tall and minDistance apart.
func findPeaks(xs []float64, minHeight float64, minDistance int) []int {
	var peaks []int
	for i := 1; i < len(xs)-1; i++ {
		if xs[i] < minHeight || xs[i] <= xs[i-1] || xs[i] < xs[i+1] {
			continue
		}
		if len(peaks) > 0 && i-peaks[len(peaks)-1] < minDistance {
			if xs[i] > xs[peaks[len(peaks)-1]] {
				peaks[len(peaks)-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// rollingStats computes a centered rolling mean and standard deviation.
func rollingStats(xs []float64, window int) (means, stds []float64) {
	means = make([]float64, len(xs))
	stds = make([]float64, len(xs))
	half := window / 2
	for i := range xs {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > len(xs) {
			hi = len(xs)
		}
		win := xs[lo:hi]
		means[i] = stat.Mean(win, nil)
		if len(win) > 1 {
			stds[i] = stat.StdDev(win, nil)
		}
	}
	return means, stds
}
