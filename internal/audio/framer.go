package audio

// Framer slices an arbitrary stream of samples into fixed-size frames.
// It is not safe for concurrent use.
type Framer struct {
	size int
	buf  []float32
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameSamples
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

func (f *Framer) Size() int { return f.size }

// Pending reports how many samples are buffered toward the next frame.
func (f *Framer) Pending() int { return len(f.buf) }

// Push appends samples and calls emit once for every completed frame.
// The slice passed to emit is only valid for the duration of the call.
func (f *Framer) Push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		need := f.size - len(f.buf)
		if len(f.buf) == 0 && len(samples) >= f.size {
			emit(samples[:f.size])
			samples = samples[f.size:]
			continue
		}
		if need > len(samples) {
			need = len(samples)
		}
		f.buf = append(f.buf, samples[:need]...)
		samples = samples[need:]
		if len(f.buf) == f.size {
			emit(f.buf)
			f.buf = f.buf[:0]
		}
	}
}

// Flush emits the buffered remainder zero-padded to a full frame.
func (f *Framer) Flush(emit func([]float32)) {
	if len(f.buf) == 0 {
		return
	}
	for len(f.buf) < f.size {
		f.buf = append(f.buf, 0)
	}
	emit(f.buf)
	f.buf = f.buf[:0]
}

// Reset discards buffered samples.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
