package protocol

// FragmentText splits text across DATA frames of at most maxFragmentBytes of
// payload text each, setting MORE on every fragment but the last and sealing
// each with its checksum. The base frame supplies everything except frag_seq,
// flags and payload content.
func FragmentText(base *Frame, text string, maxFragmentBytes int) ([]*Frame, error) {
	if maxFragmentBytes <= 0 {
		maxFragmentBytes = 8 << 10
	}

	if len(text) <= maxFragmentBytes {
		f := base.Clone()
		f.FragSeq = 0
		f.RemoveFlag(FlagMore)
		p, err := NewPayload(PayloadText, TextPayload{Text: text})
		if err != nil {
			return nil, err
		}
		f.Payload = p
		if err := Seal(f); err != nil {
			return nil, err
		}
		return []*Frame{f}, nil
	}

	data := []byte(text)
	total := (len(data) + maxFragmentBytes - 1) / maxFragmentBytes
	out := make([]*Frame, 0, total)
	for i := 0; i < total; i++ {
		lo := i * maxFragmentBytes
		hi := min(lo+maxFragmentBytes, len(data))

		f := base.Clone()
		f.FragSeq = uint32(i)
		p, err := NewPayload(PayloadText, TextPayload{Text: string(data[lo:hi])})
		if err != nil {
			return nil, err
		}
		f.Payload = p
		if i < total-1 {
			f.AddFlag(FlagMore)
		} else {
			f.RemoveFlag(FlagMore)
		}
		if err := Seal(f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ReassembleText concatenates the text payloads of a complete in-order
// fragment set. Returns ok=false when the set is not contiguous from 0 or a
// mid-message fragment is missing MORE.
func ReassembleText(frames []*Frame) (string, bool) {
	if len(frames) == 0 {
		return "", false
	}
	var buf []byte
	for i, f := range frames {
		if f.FragSeq != uint32(i) {
			return "", false
		}
		last := i == len(frames)-1
		if !last && f.Terminal() {
			return "", false
		}
		if last && !f.Terminal() {
			return "", false
		}
		var tp TextPayload
		if err := f.Payload.DecodeBody(&tp); err != nil {
			return "", false
		}
		buf = append(buf, tp.Text...)
	}
	return string(buf), true
}
