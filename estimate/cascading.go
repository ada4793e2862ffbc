package estimate

// cascadeFactor is the share of a streamed feature map assumed to stay in
// SRAM while the next pass of a cascade consumes it.
const cascadeFactor = 0.2

func moveToSram(m *MemoryStats) {
	m.SramBytes = m.DramNonParallelBytes + m.DramParallelBytes
	m.DramNonParallelBytes = 0
	m.DramParallelBytes = 0
}

func splitDram(m *MemoryStats) {
	total := float64(m.DramParallelBytes + m.DramNonParallelBytes)
	m.DramNonParallelBytes = uint32(total * cascadeFactor)
	m.DramParallelBytes = uint32(total * (1 - cascadeFactor))
}

func streamWeights(m *MemoryStats) {
	m.DramParallelBytes += m.DramNonParallelBytes
	m.DramNonParallelBytes = 0
}

// Cascade rewrites the memory statistics of a stream of passes as if
// consecutive passes whose inputs come from DRAM ran as one section.
//
// Inside a section only the first pass streams its input feature map and
// only the last one writes its output to DRAM. Every other feature map is
// assumed to stay in SRAM and weights are streamed while compute runs. A
// section ends as soon as the running SRAM footprint exceeds sramSize.
func Cascade(stream []PassPerformanceData, sramSize uint32) []PassPerformanceData {
	out := make([]PassPerformanceData, len(stream))
	copy(out, stream)

	var (
		footprint uint32
		cascaded  int
		previous  *PassStats
	)

	for i := range out {
		current := &out[i].PassStats

		footprint += uint32(float64(current.Input.DramParallelBytes+current.Input.DramNonParallelBytes) *
			cascadeFactor)
		footprint += current.Weights.DramParallelBytes + current.Weights.DramNonParallelBytes

		switch {
		case cascaded > 0 && previous != nil:
			if current.Input.SramBytes == 0 && footprint <= sramSize {
				if cascaded == 1 {
					splitDram(&previous.Input.MemoryStats)
				} else {
					moveToSram(&previous.Input.MemoryStats)
					streamWeights(&previous.Weights.MemoryStats)
				}
				moveToSram(&previous.Output.MemoryStats)
				cascaded++
				break
			}

			if previous.Input.SramBytes == 0 {
				moveToSram(&previous.Input.MemoryStats)
				splitDram(&previous.Output.MemoryStats)
				streamWeights(&previous.Weights.MemoryStats)
			} else if current.Input.SramBytes != 0 {
				streamWeights(&current.Weights.MemoryStats)
			}
			cascaded = 0
			footprint = 0
		default:
			if cascaded == 0 && previous != nil &&
				previous.Input.SramBytes != 0 && current.Input.SramBytes != 0 {
				streamWeights(&current.Weights.MemoryStats)
			}
			cascaded++
		}

		previous = current
	}

	if cascaded > 0 && previous != nil {
		previous.Input.SramBytes = previous.Input.DramNonParallelBytes + previous.Input.DramParallelBytes
		streamWeights(&previous.Weights.MemoryStats)
		splitDram(&previous.Output.MemoryStats)
	}

	return out
}
