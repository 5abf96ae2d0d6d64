package profile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	forwardHeader     = "Forward latency"
	forwardColumns    = "batch,latency(us),std(us),memory(B)"
	preprocessHeader  = "Preprocess latency"
	postprocessHeader = "Postprocess latency"
	statColumns       = "mean(us),std(us)"
)

// Parse reads one profile in the profiler's text format.
func Parse(r io.Reader) (*ModelProfile, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimRight(scanner.Text(), "\r"), true
	}

	profileID, ok := next()
	if !ok || profileID == "" {
		return nil, fmt.Errorf("profile: missing profile id line")
	}
	device, ok := next()
	if !ok || device == "" {
		return nil, fmt.Errorf("profile %s: missing gpu device line", profileID)
	}
	if line, ok := next(); !ok || line != forwardHeader {
		return nil, fmt.Errorf("profile %s: expected %q, got %q", profileID, forwardHeader, line)
	}
	if line, ok := next(); !ok || line != forwardColumns {
		return nil, fmt.Errorf("profile %s: expected %q, got %q", profileID, forwardColumns, line)
	}

	p := &ModelProfile{
		ProfileID: profileID,
		GPUDevice: device,
	}

	var line string
	for {
		line, ok = next()
		if !ok {
			return nil, fmt.Errorf("profile %s: truncated after forward table", profileID)
		}
		if line == preprocessHeader {
			break
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("profile %s: malformed forward row %q", profileID, line)
		}
		batch, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("profile %s: forward batch: %w", profileID, err)
		}
		latency, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("profile %s: forward latency: %w", profileID, err)
		}
		std, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("profile %s: forward std: %w", profileID, err)
		}
		memory, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("profile %s: forward memory: %w", profileID, err)
		}
		if p.forward == nil {
			p.minBatch = uint32(batch)
		} else if uint32(batch) != p.minBatch+uint32(len(p.forward)) {
			return nil, fmt.Errorf("profile %s: non-contiguous batch %d in forward table", profileID, batch)
		}
		p.forward = append(p.forward, ForwardEntry{
			LatencyUS: latency,
			StdUS:     std,
			Memory:    memory,
		})
	}
	if len(p.forward) == 0 {
		return nil, fmt.Errorf("profile %s: empty forward table", profileID)
	}

	var err error
	p.preprocess, err = parseStat(profileID, preprocessHeader, next)
	if err != nil {
		return nil, err
	}
	if line, ok = next(); !ok || line != postprocessHeader {
		return nil, fmt.Errorf("profile %s: expected %q, got %q", profileID, postprocessHeader, line)
	}
	p.postprocess, err = parseStat(profileID, postprocessHeader, next)
	if err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", profileID, err)
	}
	return p, nil
}

// parseStat consumes the column header and one mean,std row. The section
// header itself is consumed by the caller.
func parseStat(profileID, section string, next func() (string, bool)) (Stat, error) {
	line, ok := next()
	if !ok || line != statColumns {
		return Stat{}, fmt.Errorf("profile %s: %s: expected %q, got %q", profileID, section, statColumns, line)
	}
	line, ok = next()
	if !ok {
		return Stat{}, fmt.Errorf("profile %s: %s: missing values", profileID, section)
	}
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return Stat{}, fmt.Errorf("profile %s: %s: malformed row %q", profileID, section, line)
	}
	mean, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Stat{}, fmt.Errorf("profile %s: %s mean: %w", profileID, section, err)
	}
	std, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Stat{}, fmt.Errorf("profile %s: %s std: %w", profileID, section, err)
	}
	return Stat{Mean: mean, Std: std}, nil
}

// WriteTo serializes the profile in the same format Parse accepts.
// Serializing, parsing, and serializing again is byte-identical.
func (p *ModelProfile) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString(p.ProfileID)
	b.WriteByte('\n')
	b.WriteString(p.GPUDevice)
	b.WriteByte('\n')
	b.WriteString(forwardHeader)
	b.WriteByte('\n')
	b.WriteString(forwardColumns)
	b.WriteByte('\n')
	for i, entry := range p.forward {
		batch := p.minBatch + uint32(i)
		b.WriteString(strconv.FormatUint(uint64(batch), 10))
		b.WriteByte(',')
		b.WriteString(formatFloat(entry.LatencyUS))
		b.WriteByte(',')
		b.WriteString(formatFloat(entry.StdUS))
		b.WriteByte(',')
		b.WriteString(strconv.FormatUint(entry.Memory, 10))
		b.WriteByte('\n')
	}
	writeStat := func(header string, stat Stat) {
		b.WriteString(header)
		b.WriteByte('\n')
		b.WriteString(statColumns)
		b.WriteByte('\n')
		b.WriteString(formatFloat(stat.Mean))
		b.WriteByte(',')
		b.WriteString(formatFloat(stat.Std))
		b.WriteByte('\n')
	}
	writeStat(preprocessHeader, p.preprocess)
	writeStat(postprocessHeader, p.postprocess)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// String returns the serialized profile text.
func (p *ModelProfile) String() string {
	var b strings.Builder
	_, _ = p.WriteTo(&b)
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
