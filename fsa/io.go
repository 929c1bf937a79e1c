package fsa

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteText writes g in the text exchange format:
//
//	s <start-state> <start-weight>
//	a <src> <dst> <label> <weight>
//	f <state> <final-weight>
//
// State ids are integers, labels are class index + 1 (label 0 is never
// written by builders), weights are non-negative reals.
func (g *Acceptor) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "s %d %.17g\n", g.Start, g.StartWeight); err != nil {
		return err
	}
	for s := range g.States {
		for _, a := range g.States[s].Arcs {
			if _, err := fmt.Fprintf(bw, "a %d %d %d %.17g\n", s, a.Dst, a.Label, a.Weight); err != nil {
				return err
			}
		}
	}
	for s := range g.States {
		if g.States[s].Final != 0 {
			if _, err := fmt.Fprintf(bw, "f %d %.17g\n", s, g.States[s].Final); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadText parses the text exchange format written by WriteText.
func ReadText(r io.Reader) (*Acceptor, error) {
	g := New()
	grow := func(s int64) {
		for int64(len(g.States)) <= s {
			g.AddState()
		}
	}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "s":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: malformed start line", line)
			}
			st, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", line, err)
			}
			sw, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", line, err)
			}
			grow(st)
			g.Start = int32(st)
			g.StartWeight = sw
		case "a":
			if len(fields) != 5 {
				return nil, fmt.Errorf("line %d: malformed arc line", line)
			}
			src, err1 := strconv.ParseInt(fields[1], 10, 32)
			dst, err2 := strconv.ParseInt(fields[2], 10, 32)
			lab, err3 := strconv.ParseInt(fields[3], 10, 32)
			w, err4 := strconv.ParseFloat(fields[4], 64)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return nil, fmt.Errorf("line %d: malformed arc line", line)
			}
			if w < 0 {
				return nil, fmt.Errorf("line %d: negative weight %g", line, w)
			}
			grow(src)
			grow(dst)
			g.AddArc(int32(src), Label(lab), w, int32(dst))
		case "f":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: malformed final line", line)
			}
			st, err1 := strconv.ParseInt(fields[1], 10, 32)
			w, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("line %d: malformed final line", line)
			}
			grow(st)
			g.SetFinal(int32(st), w)
		default:
			return nil, fmt.Errorf("line %d: unknown record %q", line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if g.Start < 0 {
		return nil, fmt.Errorf("missing start line")
	}
	return g, nil
}
