package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/stat"

	"github.com/wowitsjack/fablecast/internal/audio"
)

// Kind identifies one corruption pattern the detector recognizes.
type Kind string

const (
	IncompleteGeneration Kind = "incomplete_generation"
	SuddenCutoff         Kind = "sudden_cutoff"
	DigitalArtifacts     Kind = "digital_artifacts"
	ExcessiveSilence     Kind = "excessive_silence"
	Clipping             Kind = "clipping"
	StaticNoise          Kind = "static_noise"
	FrequencyAnomaly     Kind = "frequency_anomaly"
	LowQuality           Kind = "low_quality"
	SpeedDistortion      Kind = "speed_distortion"
	VolumeSpike          Kind = "volume_spike"
	ReverseSpeech        Kind = "reverse_speech"
	GibberishArtifacts   Kind = "gibberish_artifacts"
)

// Config holds the tunable detection thresholds. Zero values fall back
// to the defaults in DefaultConfig.
type Config struct {
	// SilenceThresholdDB is the frame energy below which a frame counts
	// as silent.
	SilenceThresholdDB float64

	// MinSpeechDuration is the shortest output considered a complete
	// generation.
	MinSpeechDuration time.Duration

	// MaxTrailingSilence is the longest acceptable silent tail.
	MaxTrailingSilence time.Duration

	// ConfidenceThreshold is the mean rule confidence needed to mark a
	// buffer corrupted.
	ConfidenceThreshold float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SilenceThresholdDB:  -40.0,
		MinSpeechDuration:   time.Second,
		MaxTrailingSilence:  3 * time.Second,
		ConfidenceThreshold: 0.7,
	}
}

// Finding is one triggered rule.
type Finding struct {
	Kind       Kind
	Confidence float64
	Detail     string
}

// Report is the outcome of analyzing one audio buffer. Corrupted is set
// only when at least one rule fired and the mean confidence clears the
// configured threshold.
type Report struct {
	Corrupted       bool
	Confidence      float64
	Findings        []Finding
	Metrics         Metrics
	Recommendations []string
}

// Kinds returns the triggered corruption kinds in detection order.
func (r Report) Kinds() []Kind {
	kinds := make([]Kind, len(r.Findings))
	for i, f := range r.Findings {
		kinds[i] = f.Kind
	}
	return kinds
}

// Detector applies the corruption rules to decoded audio.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector, filling unset thresholds from
// DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = def.SilenceThresholdDB
	}
	if cfg.MinSpeechDuration == 0 {
		cfg.MinSpeechDuration = def.MinSpeechDuration
	}
	if cfg.MaxTrailingSilence == 0 {
		cfg.MaxTrailingSilence = def.MaxTrailingSilence
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	return &Detector{cfg: cfg}
}

// AnalyzePCM decodes raw little-endian 16-bit PCM and analyzes it. A
// buffer that cannot be decoded is reported as corrupted: an
// unanalyzable unit must not pass the gate.
func (d *Detector) AnalyzePCM(pcm []byte, format audio.Format) Report {
	if err := format.Validate(pcm); err != nil {
		log.Warn("audio analysis failed, assuming corrupted", "err", err)
		return failedReport(fmt.Sprintf("decode PCM: %v", err))
	}
	return d.Analyze(format.Samples(pcm), format.SampleRate)
}

// Analyze runs every rule over samples and aggregates the result. It
// never panics; an internal failure yields a corrupted report.
func (d *Detector) Analyze(samples []float64, sampleRate int) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("audio analysis panicked, assuming corrupted", "panic", r)
			report = failedReport(fmt.Sprintf("analysis failure: %v", r))
		}
	}()

	if len(samples) == 0 || sampleRate <= 0 {
		return failedReport("no samples to analyze")
	}

	m := computeMetrics(samples, sampleRate, d.cfg.SilenceThresholdDB)
	report.Metrics = m

	rules := []func([]float64, int, Metrics) *Finding{
		d.checkIncomplete,
		d.checkSuddenCutoff,
		d.checkDigitalArtifacts,
		d.checkExcessiveSilence,
		d.checkClipping,
		d.checkStaticNoise,
		d.checkFrequencyAnomaly,
		d.checkLowQuality,
		d.checkSpeedDistortion,
		d.checkVolumeSpike,
		d.checkReverseSpeech,
		d.checkGibberish,
	}

	for _, rule := range rules {
		if f := rule(samples, sampleRate, m); f != nil {
			report.Findings = append(report.Findings, *f)
			report.Recommendations = append(report.Recommendations, recommendation(f.Kind))
		}
	}

	if len(report.Findings) > 0 {
		var sum float64
		for _, f := range report.Findings {
			sum += f.Confidence
		}
		report.Confidence = sum / float64(len(report.Findings))
		report.Corrupted = report.Confidence >= d.cfg.ConfidenceThreshold
	}
	return report
}

// failedReport marks an unanalyzable buffer corrupted with full
// confidence.
func failedReport(detail string) Report {
	return Report{
		Corrupted:  true,
		Confidence: 1.0,
		Findings: []Finding{{
			Kind:       IncompleteGeneration,
			Confidence: 1.0,
			Detail:     detail,
		}},
		Recommendations: []string{recommendation(IncompleteGeneration)},
	}
}

func (d *Detector) checkIncomplete(_ []float64, _ int, m Metrics) *Finding {
	if m.Duration >= d.cfg.MinSpeechDuration {
		return nil
	}
	return &Finding{
		Kind:       IncompleteGeneration,
		Confidence: 0.9,
		Detail: fmt.Sprintf("output is %v, below the %v minimum",
			m.Duration.Round(time.Millisecond), d.cfg.MinSpeechDuration),
	}
}

// checkDigitalArtifacts fires when the signal ends at high energy with
// no natural decay, which happens when the provider truncates mid-word.
func (d *Detector) checkDigitalArtifacts(samples []float64, sampleRate int, m Metrics) *Finding {
	tail := sampleRate / 10 // last 100 ms
	if len(samples) < 2*tail || m.RMSEnergy <= 0 {
		return nil
	}
	tailRMS := rmsEnergy(samples[len(samples)-tail:])
	if tailRMS < 0.5*m.RMSEnergy {
		return nil
	}
	// A fade-out would show the very end quieter than the tail start.
	endRMS := rmsEnergy(samples[len(samples)-tail/4:])
	if endRMS < 0.3*m.RMSEnergy {
		return nil
	}
	return &Finding{
		Kind:       DigitalArtifacts,
		Confidence: 0.8,
		Detail:     fmt.Sprintf("signal ends at %.0f%% of mean energy with no decay", tailRMS/m.RMSEnergy*100),
	}
}

func (d *Detector) checkExcessiveSilence(_ []float64, _ int, m Metrics) *Finding {
	if m.SilencePercent <= 50 {
		return nil
	}
	return &Finding{
		Kind:       ExcessiveSilence,
		Confidence: 0.85,
		Detail:     fmt.Sprintf("%.1f%% of the output is silent", m.SilencePercent),
	}
}

// checkSuddenCutoff fires when generation stopped early, leaving a long
// silent tail where narration should continue.
func (d *Detector) checkSuddenCutoff(samples []float64, sampleRate int, _ Metrics) *Finding {
	segs := silenceSegments(samples, sampleRate, d.cfg.SilenceThresholdDB)
	if len(segs) == 0 {
		return nil
	}
	last := segs[len(segs)-1]
	total := float64(len(samples)) / float64(sampleRate)
	if last.end < total-0.05 {
		return nil
	}
	trailing := time.Duration(last.duration() * float64(time.Second))
	if trailing <= d.cfg.MaxTrailingSilence {
		return nil
	}
	return &Finding{
		Kind:       SuddenCutoff,
		Confidence: 0.7,
		Detail:     fmt.Sprintf("%v of trailing silence", trailing.Round(time.Millisecond)),
	}
}

func (d *Detector) checkClipping(_ []float64, _ int, m Metrics) *Finding {
	if m.ClippingPercent <= 1.0 {
		return nil
	}
	return &Finding{
		Kind:       Clipping,
		Confidence: 0.8,
		Detail:     fmt.Sprintf("%.2f%% of samples clip above 95%% full scale", m.ClippingPercent),
	}
}

func (d *Detector) checkStaticNoise(_ []float64, _ int, m Metrics) *Finding {
	if m.HighFreqEnergy <= 0.3 {
		return nil
	}
	return &Finding{
		Kind:       StaticNoise,
		Confidence: 0.65,
		Detail:     fmt.Sprintf("high-frequency energy ratio %.2f", m.HighFreqEnergy),
	}
}

// checkFrequencyAnomaly flags a flat, noise-like spectrum. Speech is
// strongly peaked; flatness near 1 means broadband noise.
func (d *Detector) checkFrequencyAnomaly(_ []float64, _ int, m Metrics) *Finding {
	if m.SpectralFlatness <= 0.8 {
		return nil
	}
	return &Finding{
		Kind:       FrequencyAnomaly,
		Confidence: 0.65,
		Detail:     fmt.Sprintf("spectral flatness %.2f", m.SpectralFlatness),
	}
}

func (d *Detector) checkLowQuality(_ []float64, _ int, m Metrics) *Finding {
	if m.SNREstimate >= 10 && m.HarmonicNoiseRatio >= 5 {
		return nil
	}
	return &Finding{
		Kind:       LowQuality,
		Confidence: 0.6,
		Detail: fmt.Sprintf("estimated SNR %.1f dB, harmonic-to-noise ratio %.1f dB",
			m.SNREstimate, m.HarmonicNoiseRatio),
	}
}

// checkSpeedDistortion estimates syllable rate from energy envelope
// peaks; natural narration stays within roughly 1 to 10 peaks a second.
func (d *Detector) checkSpeedDistortion(samples []float64, sampleRate int, m Metrics) *Finding {
	if m.ZeroCrossingRate > 0.5 {
		return &Finding{
			Kind:       SpeedDistortion,
			Confidence: 0.7,
			Detail:     fmt.Sprintf("zero-crossing rate %.2f suggests sped-up or noisy output", m.ZeroCrossingRate),
		}
	}

	frameLen := int(frameDuration.Seconds() * float64(sampleRate))
	hopLen := int(hopDuration.Seconds() * float64(sampleRate))
	energies := frameRMS(samples, frameLen, hopLen)
	if len(energies) < 10 {
		return nil
	}
	mean := stat.Mean(energies, nil)
	peaks := findPeaks(energies, mean, 5)
	duration := m.Duration.Seconds()
	if duration <= 0 {
		return nil
	}
	rate := float64(len(peaks)) / duration
	if rate >= 1.0 && rate <= 10.0 {
		return nil
	}
	// Very short buffers legitimately carry few peaks.
	if rate < 1.0 && duration < 2.0 {
		return nil
	}
	return &Finding{
		Kind:       SpeedDistortion,
		Confidence: 0.7,
		Detail:     fmt.Sprintf("syllable rate %.1f/s outside the 1-10/s range", rate),
	}
}

// checkVolumeSpike flags isolated bursts well above the local energy
// envelope that also approach full scale.
func (d *Detector) checkVolumeSpike(samples []float64, sampleRate int, m Metrics) *Finding {
	frameLen := sampleRate / 100 // 10 ms
	hopLen := frameLen / 2
	energies := frameRMS(samples, frameLen, hopLen)
	if len(energies) < 20 {
		return nil
	}

	window := len(energies) / 4
	if window > 50 {
		window = 50
	}
	if window < 3 {
		window = 3
	}
	means, stds := rollingStats(energies, window)

	spikes := 0
	for i, e := range energies {
		if e > means[i]+3*stds[i] && e > 0.8*m.PeakAmplitude && amplitudeDB(e) > -6 {
			spikes++
		}
	}
	if spikes == 0 {
		return nil
	}
	return &Finding{
		Kind:       VolumeSpike,
		Confidence: 0.75,
		Detail:     fmt.Sprintf("%d volume spikes above the local envelope", spikes),
	}
}

// checkReverseSpeech compares the rise and fall slopes of the energy
// envelope around its peaks. Natural speech attacks faster than it
// decays; reversed audio shows the opposite on most peaks.
func (d *Detector) checkReverseSpeech(samples []float64, sampleRate int, _ Metrics) *Finding {
	frameLen := sampleRate / 20 // 50 ms
	hopLen := frameLen / 2
	energies := frameRMS(samples, frameLen, hopLen)
	if len(energies) < 30 {
		return nil
	}
	mean := stat.Mean(energies, nil)
	peaks := findPeaks(energies, 1.5*mean, 10)
	if len(peaks) < 3 {
		return nil
	}

	reversed := 0
	counted := 0
	for _, p := range peaks {
		if p < 3 || p+3 >= len(energies) {
			continue
		}
		rise := energies[p] - energies[p-3]
		fall := energies[p] - energies[p+3]
		if rise == 0 && fall == 0 {
			continue
		}
		counted++
		if fall > rise {
			reversed++
		}
	}
	if counted < 3 {
		return nil
	}
	ratio := float64(reversed) / float64(counted)
	if ratio <= 0.6 {
		return nil
	}
	return &Finding{
		Kind:       ReverseSpeech,
		Confidence: 0.65,
		Detail:     fmt.Sprintf("%.0f%% of energy peaks decay faster than they attack", ratio*100),
	}
}

// checkGibberish needs at least two independent spectral indicators
// before it fires; any single one has benign explanations.
func (d *Detector) checkGibberish(samples []float64, sampleRate int, _ Metrics) *Finding {
	frames, freqs := spectrogram(samples, sampleRate)
	if len(frames) < 10 {
		return nil
	}

	var indicators []string

	// Indicator 1: sustained energy above 4 kHz.
	if ratio := bandRatio(frames, freqs, 4000, math.Inf(1)); ratio > 0.4 {
		indicators = append(indicators, fmt.Sprintf("high-band energy ratio %.2f", ratio))
	}

	// Indicator 2: erratic spectral flux between frames.
	flux := spectralFlux(frames)
	if len(flux) > 1 {
		meanFlux := stat.Mean(flux, nil)
		if meanFlux > 0 && stat.Variance(flux, nil) > 2*meanFlux*meanFlux {
			indicators = append(indicators, "erratic spectral flux")
		}
	}

	// Indicator 3: speech band buried relative to the noise band.
	speech := bandRatio(frames, freqs, 300, 3000)
	noise := bandRatio(frames, freqs, 6000, math.Inf(1))
	if noise > 0 && speech/noise < 2 {
		indicators = append(indicators, fmt.Sprintf("speech/noise band ratio %.2f", speech/noise))
	}

	// Indicator 4: abrupt frame-to-frame energy jumps.
	if abruptEnergyRatio(frames) > 0.2 {
		indicators = append(indicators, "frequent abrupt energy changes")
	}

	if len(indicators) < 2 {
		return nil
	}
	return &Finding{
		Kind:       GibberishArtifacts,
		Confidence: 0.8,
		Detail:     fmt.Sprintf("%d gibberish indicators: %v", len(indicators), indicators),
	}
}

// bandRatio returns the fraction of total spectrogram energy inside
// [lo, hi) Hz.
func bandRatio(frames [][]float64, freqs []float64, lo, hi float64) float64 {
	var band, total float64
	for _, frame := range frames {
		for i, m := range frame {
			p := m * m
			total += p
			if freqs[i] >= lo && freqs[i] < hi {
				band += p
			}
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}

// spectralFlux returns the L2 distance between consecutive spectrogram
// frames.
func spectralFlux(frames [][]float64) []float64 {
	if len(frames) < 2 {
		return nil
	}
	flux := make([]float64, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		var sum float64
		for j := range frames[i] {
			d := frames[i][j] - frames[i-1][j]
			sum += d * d
		}
		flux[i-1] = math.Sqrt(sum)
	}
	return flux
}

// abruptEnergyRatio returns the fraction of frame transitions where
// energy jumps by more than 4x in either direction.
func abruptEnergyRatio(frames [][]float64) float64 {
	if len(frames) < 2 {
		return 0
	}
	energies := make([]float64, len(frames))
	for i, frame := range frames {
		var sum float64
		for _, m := range frame {
			sum += m * m
		}
		energies[i] = sum
	}
	abrupt := 0
	for i := 1; i < len(energies); i++ {
		prev, cur := energies[i-1], energies[i]
		if prev == 0 && cur == 0 {
			continue
		}
		hi, lo := math.Max(prev, cur), math.Min(prev, cur)
		if lo == 0 || hi/lo > 4 {
			abrupt++
		}
	}
	return float64(abrupt) / float64(len(energies)-1)
}

func recommendation(k Kind) string {
	switch k {
	case IncompleteGeneration:
		return "regenerate: the output is too short to contain the requested narration"
	case SuddenCutoff:
		return "regenerate: generation stopped early, leaving a long silent tail"
	case DigitalArtifacts:
		return "regenerate: the audio ends mid-phrase"
	case ExcessiveSilence:
		return "regenerate: the output is mostly silent"
	case Clipping:
		return "regenerate: amplitude clipping distorts the waveform"
	case StaticNoise:
		return "regenerate: broadband static detected"
	case FrequencyAnomaly:
		return "regenerate: the spectrum is flat where speech should be peaked"
	case LowQuality:
		return "regenerate: background noise dominates the signal"
	case SpeedDistortion:
		return "regenerate: speaking rate outside the natural range"
	case VolumeSpike:
		return "regenerate: isolated loudness bursts detected"
	case ReverseSpeech:
		return "regenerate: energy envelope resembles reversed speech"
	case GibberishArtifacts:
		return "regenerate with smaller input: spectral profile does not match speech"
	default:
		return "regenerate the unit"
	}
}
