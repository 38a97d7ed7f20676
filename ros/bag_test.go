package ros

import (
	"errors"
	"fmt"
	"testing"

	"go.viam.com/test"

	"go.viam.com/calibtools/ros/bagtest"
)

const (
	cam0Topic   = "/cam0/image_raw"
	cam1Topic   = "/cam1/image_raw"
	statusTopic = "/status"
)

// stereoBag records two cameras and a status string topic, interleaved.
func stereoBag(t *testing.T) string {
	t.Helper()
	conns := []bagtest.Connection{
		bagtest.ImageConnection(cam0Topic),
		bagtest.ImageConnection(cam1Topic),
		bagtest.StringConnection(statusTopic),
	}
	msgs := []bagtest.Message{
		{Conn: 2, Secs: 1, Nsecs: 0, Body: bagtest.String("starting")},
		{Conn: 0, Secs: 1, Nsecs: 100, Body: bagtest.Image(1, 100, []byte{0, 0, 1})},
		{Conn: 1, Secs: 1, Nsecs: 200, Body: bagtest.Image(1, 200, []byte{1, 1, 1})},
		{Conn: 0, Secs: 2, Nsecs: 100, Body: bagtest.Image(2, 100, []byte{0, 0, 2})},
		{Conn: 2, Secs: 2, Nsecs: 150, Body: bagtest.String("running")},
		{Conn: 1, Secs: 2, Nsecs: 200, Body: bagtest.Image(2, 200, []byte{1, 1, 2})},
		{Conn: 0, Secs: 3, Nsecs: 100, Body: bagtest.Image(3, 100, []byte{0, 0, 3})},
	}
	return bagtest.Write(t, conns, msgs)
}

func readAll(t *testing.T, b *Bag, topics []string) []string {
	t.Helper()
	var got []string
	err := b.EachImage(topics, func(rec ImageRecord) error {
		got = append(got, fmt.Sprintf("%s@%d.%d:%v", rec.Topic, rec.Time.Unix(), rec.Time.Nanosecond(), rec.Data))
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	return got
}

func TestEachImageSelectedTopicOnly(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, readAll(t, b, []string{cam0Topic}), test.ShouldResemble, []string{
		"/cam0/image_raw@1.100:[0 0 1]",
		"/cam0/image_raw@2.100:[0 0 2]",
		"/cam0/image_raw@3.100:[0 0 3]",
	})
	test.That(t, readAll(t, b, []string{cam1Topic}), test.ShouldResemble, []string{
		"/cam1/image_raw@1.200:[1 1 1]",
		"/cam1/image_raw@2.200:[1 1 2]",
	})
}

func TestEachImageAllTopicsSkipsOtherMessageTypes(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, readAll(t, b, nil), test.ShouldResemble, []string{
		"/cam0/image_raw@1.100:[0 0 1]",
		"/cam1/image_raw@1.200:[1 1 1]",
		"/cam0/image_raw@2.100:[0 0 2]",
		"/cam1/image_raw@2.200:[1 1 2]",
		"/cam0/image_raw@3.100:[0 0 3]",
	})
}

func TestEachImageRecordFields(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)

	var first *ImageRecord
	err = b.EachImage([]string{cam1Topic}, func(rec ImageRecord) error {
		if first == nil {
			first = &rec
		}
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldNotBeNil)
	test.That(t, first.Width, test.ShouldEqual, uint32(1))
	test.That(t, first.Height, test.ShouldEqual, uint32(1))
	test.That(t, first.Encoding, test.ShouldEqual, "bgr8")
}

func TestEachImageTopicErrors(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)
	noop := func(ImageRecord) error { return nil }

	err = b.EachImage([]string{"/cam2/image_raw"}, noop)
	test.That(t, errors.Is(err, ErrMalformedInput), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, `no messages for topic "/cam2/image_raw"`)

	err = b.EachImage([]string{statusTopic}, noop)
	test.That(t, errors.Is(err, ErrMalformedInput), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, bagtest.StringType)
}

func TestEachImageNoImageTopics(t *testing.T) {
	path := bagtest.Write(t,
		[]bagtest.Connection{bagtest.StringConnection(statusTopic)},
		[]bagtest.Message{{Conn: 0, Secs: 1, Body: bagtest.String("idle")}})
	b, err := ReadBag(path)
	test.That(t, err, test.ShouldBeNil)

	calls := 0
	err = b.EachImage(nil, func(ImageRecord) error {
		calls++
		return nil
	})
	test.That(t, errors.Is(err, ErrMalformedInput), test.ShouldBeTrue)
	test.That(t, calls, test.ShouldEqual, 0)
}

func TestEachImageStopsOnCallbackError(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)
	b.WindowMessages = 1

	stop := errors.New("stop")
	calls := 0
	err = b.EachImage(nil, func(ImageRecord) error {
		calls++
		return stop
	})
	test.That(t, err, test.ShouldEqual, stop)
	test.That(t, calls, test.ShouldEqual, 1)
	test.That(t, b.rb.TopicsAsJSON, test.ShouldBeEmpty)
}

func framesAt(t *testing.T, secs ...uint32) string {
	t.Helper()
	msgs := make([]bagtest.Message, 0, len(secs))
	for i, sec := range secs {
		msgs = append(msgs, bagtest.Message{Conn: 0, Secs: sec, Nsecs: uint32(i), Body: bagtest.Image(sec, uint32(i), []byte{byte(i), 0, 0})})
	}
	return bagtest.Write(t, []bagtest.Connection{bagtest.ImageConnection(cam0Topic)}, msgs)
}

func TestWindowsKeepWholeSeconds(t *testing.T) {
	b, err := ReadBag(framesAt(t, 1, 2, 2, 3))
	test.That(t, err, test.ShouldBeNil)
	topicFilter := func(topic string) bool { return topic == cam0Topic }

	b.WindowMessages = 1
	windows, err := b.windows(topicFilter)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, windows, test.ShouldResemble, []window{{1, 1}, {2, 2}, {3, 3}})

	b.WindowMessages = 3
	windows, err = b.windows(topicFilter)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, windows, test.ShouldResemble, []window{{1, 2}, {3, 3}})

	b.WindowMessages = 0
	windows, err = b.windows(topicFilter)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, windows, test.ShouldResemble, []window{{1, 3}})
}

func TestEachImageSameOrderForAnyWindowSize(t *testing.T) {
	b, err := ReadBag(stereoBag(t))
	test.That(t, err, test.ShouldBeNil)

	b.WindowMessages = 100
	whole := readAll(t, b, nil)
	b.WindowMessages = 1
	test.That(t, readAll(t, b, nil), test.ShouldResemble, whole)
}

// unreadJSON is the decoded JSON still held by the parser.
func unreadJSON(b *Bag) int {
	n := 0
	for _, buf := range b.rb.TopicsAsJSON {
		n += buf.Len()
	}
	return n
}

func TestEachImageHoldsOneWindowAtATime(t *testing.T) {
	b, err := ReadBag(framesAt(t, 1, 2, 3, 4))
	test.That(t, err, test.ShouldBeNil)

	b.WindowMessages = 1
	var held []int
	err = b.EachImage(nil, func(ImageRecord) error {
		held = append(held, unreadJSON(b))
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, held, test.ShouldResemble, []int{0, 0, 0, 0})
	test.That(t, b.rb.TopicsAsJSON, test.ShouldBeEmpty)

	// one window for the whole bag keeps the later frames decoded while the first is handed over
	b.WindowMessages = 100
	held = nil
	err = b.EachImage(nil, func(ImageRecord) error {
		held = append(held, unreadJSON(b))
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, held[0], test.ShouldBeGreaterThan, 0)
}
