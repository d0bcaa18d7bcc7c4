package audio

// TargetSampleRate is the fixed rate of the outbound PCM stream in Hz.
const TargetSampleRate = 24000

// DefaultQuantum is the number of samples the capture device delivers per
// callback unless configured otherwise.
const DefaultQuantum = 128

// Frame is one quantum of mono audio captured from the microphone.
// Samples are nominally in [-1, 1]. A Frame is owned by exactly one party at a
// time: the capture device allocates it and gives it away on delivery, and the
// receiver must not expect the producer to keep it alive or mutate it later.
type Frame []float32

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
