// Package ros reads image streams out of ROS bag files.
package ros

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/edaniels/gobag/rosbag"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
)

var (
	// ErrInputNotFound is returned when the bag file does not exist.
	ErrInputNotFound = errors.New("input not found")
	// ErrMalformedInput is returned when the bag cannot be read or holds unexpected data.
	ErrMalformedInput = errors.New("malformed input")
)

// ImageMessageType is the only message type EachImage decodes.
const ImageMessageType = "sensor_msgs/Image"

// DefaultWindowMessages is how many messages EachImage decodes at a time when
// Bag.WindowMessages is unset.
const DefaultWindowMessages = 64

// Bag is a parsed rosbag. The raw bag stays in memory; decoded messages only live for
// one window at a time.
type Bag struct {
	Path string
	// WindowMessages caps the messages decoded together. A window always holds whole
	// seconds of the bag, so a single busy second can exceed it.
	WindowMessages int

	rb *rosbag.RosBag
}

// ReadBag reads the contents of a rosbag.
func ReadBag(filename string) (*Bag, error) {
	//nolint:gosec
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrInputNotFound, "bag %q", filename)
		}
		return nil, errors.Wrapf(ErrMalformedInput, "unable to open bag %q: %v", filename, err)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	rb := rosbag.NewRosBag()
	if err := rb.Read(f); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "unable to read bag %q: %v", filename, err)
	}

	return &Bag{Path: filename, rb: rb}, nil
}

// EachImage calls fn with every image on the given topics. An empty topic list selects
// every sensor_msgs/Image topic in the bag. Images of a single topic arrive in bag order;
// images of several topics are merged by record time. Iteration stops at the first error
// fn returns.
func (b *Bag) EachImage(topics []string, fn func(ImageRecord) error) error {
	selected, err := b.imageTopics(topics)
	if err != nil {
		return err
	}
	topicFilter := func(topic string) bool { return lo.Contains(selected, topic) }

	windows, err := b.windows(topicFilter)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if err := b.eachInWindow(w, topicFilter, fn); err != nil {
			return err
		}
	}
	return nil
}

// imageTopics checks the requested topics against the bag's connections, or lists every
// image topic when none are requested.
func (b *Bag) imageTopics(topics []string) ([]string, error) {
	conns := lo.Values(b.rb.Connections)
	images := lo.Uniq(lo.FilterMap(conns, func(c rosbag.RosConnection, _ int) (string, bool) {
		return c.HeaderTopic, c.ConnectionType == ImageMessageType
	}))

	if len(topics) == 0 {
		if len(images) == 0 {
			return nil, errors.Wrapf(ErrMalformedInput, "no %s topics in bag %q", ImageMessageType, b.Path)
		}
		return images, nil
	}
	for _, topic := range topics {
		if lo.Contains(images, topic) {
			continue
		}
		if c, ok := lo.Find(conns, func(c rosbag.RosConnection) bool { return c.HeaderTopic == topic }); ok {
			return nil, errors.Wrapf(ErrMalformedInput, "topic %q in bag %q carries %s, not %s",
				topic, b.Path, c.ConnectionType, ImageMessageType)
		}
		return nil, errors.Wrapf(ErrMalformedInput, "no messages for topic %q in bag %q", topic, b.Path)
	}
	return topics, nil
}

// window is an inclusive range of whole record seconds.
type window struct {
	first, last int64
}

// windows counts the selected messages per second without decoding them and groups
// consecutive seconds into windows of at most WindowMessages messages.
func (b *Bag) windows(topicFilter func(string) bool) ([]window, error) {
	perSecond := map[int64]int{}
	count := func(sec int64) bool {
		perSecond[sec]++
		return false
	}
	if err := b.rb.ParseTopicsToJSON("", count, topicFilter, false); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "error while indexing bag %q: %v", b.Path, err)
	}

	limit := b.WindowMessages
	if limit <= 0 {
		limit = DefaultWindowMessages
	}
	secs := lo.Keys(perSecond)
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	var out []window
	n := 0
	for _, sec := range secs {
		if len(out) > 0 && n+perSecond[sec] <= limit {
			out[len(out)-1].last = sec
			n += perSecond[sec]
			continue
		}
		out = append(out, window{first: sec, last: sec})
		n = perSecond[sec]
	}
	return out, nil
}

// eachInWindow decodes the messages of one window, hands them to fn and drops them.
func (b *Bag) eachInWindow(w window, topicFilter func(string) bool, fn func(ImageRecord) error) error {
	// the parser appends to existing buffers
	clear(b.rb.TopicsAsJSON)
	defer clear(b.rb.TopicsAsJSON)

	inWindow := func(sec int64) bool { return sec >= w.first && sec <= w.last }
	if err := b.rb.ParseTopicsToJSON("", inWindow, topicFilter, true); err != nil {
		return errors.Wrapf(ErrMalformedInput, "error while parsing bag %q: %v", b.Path, err)
	}

	lines := make(map[string]lineReader, len(b.rb.TopicsAsJSON))
	for k, buf := range b.rb.TopicsAsJSON {
		lines[k] = buf
	}
	return eachRecord(lines, fn)
}

// topicKey returns the key the bag parser files a topic's messages under.
func topicKey(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", "_"))
}

type lineReader interface {
	ReadBytes(delim byte) ([]byte, error)
}

// topicStream decodes one topic's JSON lines with one record of lookahead.
type topicStream struct {
	key   string
	lines lineReader
	next  *ImageRecord
}

func (ts *topicStream) advance() error {
	for {
		line, err := ts.lines.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(ErrMalformedInput, "topic %q: %v", ts.key, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				ts.next = nil
				return nil
			}
			continue
		}
		var msg ImageMessage
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			return errors.Wrapf(ErrMalformedInput, "topic %q: cannot decode image message: %v", ts.key, jsonErr)
		}
		rec := msg.record(ts.key)
		ts.next = &rec
		return nil
	}
}

// eachRecord merges the topic streams by record time. Ties go to the topic whose key
// sorts first.
func eachRecord(lines map[string]lineReader, fn func(ImageRecord) error) error {
	keys := lo.Keys(lines)
	sort.Strings(keys)
	streams := make([]*topicStream, 0, len(keys))
	for _, k := range keys {
		ts := &topicStream{key: k, lines: lines[k]}
		if err := ts.advance(); err != nil {
			return err
		}
		streams = append(streams, ts)
	}

	for {
		var best *topicStream
		for _, ts := range streams {
			if ts.next == nil {
				continue
			}
			if best == nil || ts.next.Time.Before(best.next.Time) {
				best = ts
			}
		}
		if best == nil {
			return nil
		}
		if err := fn(*best.next); err != nil {
			return err
		}
		if err := best.advance(); err != nil {
			return err
		}
	}
}
