// Package bagtest writes small uncompressed ROS bag v2.0 files for tests.
package bagtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// Message definitions and md5 sums as recorded by rosbag.
const (
	ImageType       = "sensor_msgs/Image"
	ImageMD5        = "060021388200f6f0f447d0fcd9c64743"
	ImageDefinition = `std_msgs/Header header
uint32 height
uint32 width
string encoding
uint8 is_bigendian
uint32 step
uint8[] data

================================================================================
MSG: std_msgs/Header
uint32 seq
time stamp
string frame_id
`
	StringType       = "std_msgs/String"
	StringMD5        = "992ce8a1687cec8c8bd883ec73ca41d1"
	StringDefinition = "string data\n"
)

// Connection is one topic of a bag.
type Connection struct {
	Topic      string
	Type       string
	MD5        string
	Definition string
}

// ImageConnection returns a sensor_msgs/Image connection on topic.
func ImageConnection(topic string) Connection {
	return Connection{Topic: topic, Type: ImageType, MD5: ImageMD5, Definition: ImageDefinition}
}

// StringConnection returns a std_msgs/String connection on topic.
func StringConnection(topic string) Connection {
	return Connection{Topic: topic, Type: StringType, MD5: StringMD5, Definition: StringDefinition}
}

// Message is a serialized message recorded on the connection at index Conn.
type Message struct {
	Conn  int
	Secs  uint32
	Nsecs uint32
	Body  []byte
}

// Image serializes a sensor_msgs/Image holding data as one bgr8 row.
func Image(secs, nsecs uint32, data []byte) []byte {
	var buf bytes.Buffer
	putUint32(&buf, 0)
	putUint32(&buf, secs)
	putUint32(&buf, nsecs)
	putString(&buf, "cam")
	putUint32(&buf, 1)
	putUint32(&buf, uint32(len(data)/3))
	putString(&buf, "bgr8")
	buf.WriteByte(0)
	putUint32(&buf, uint32(len(data)))
	putUint32(&buf, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// String serializes a std_msgs/String.
func String(s string) []byte {
	var buf bytes.Buffer
	putString(&buf, s)
	return buf.Bytes()
}

// Write writes a bag holding msgs in one uncompressed chunk and returns its path.
func Write(tb testing.TB, conns []Connection, msgs []Message) string {
	tb.Helper()

	var chunk bytes.Buffer
	type entry struct {
		secs, nsecs uint32
		offset      int32
	}
	index := make([][]entry, len(conns))
	for _, msg := range msgs {
		index[msg.Conn] = append(index[msg.Conn], entry{msg.Secs, msg.Nsecs, int32(chunk.Len())})
		writeRecord(&chunk, [][]byte{
			field("op", []byte{0x02}),
			field("conn", uint32Bytes(uint32(msg.Conn))),
			field("time", append(uint32Bytes(msg.Secs), uint32Bytes(msg.Nsecs)...)),
		}, msg.Body)
	}

	var out bytes.Buffer
	out.WriteString("#ROSBAG V2.0\n")
	writeRecord(&out, [][]byte{
		field("op", []byte{0x03}),
		field("conn_count", uint32Bytes(uint32(len(conns)))),
		field("chunk_count", uint32Bytes(1)),
	}, nil)
	writeRecord(&out, [][]byte{
		field("op", []byte{0x05}),
		field("compression", []byte("none")),
		field("size", uint32Bytes(uint32(chunk.Len()))),
	}, chunk.Bytes())
	for id, entries := range index {
		if len(entries) == 0 {
			continue
		}
		var data bytes.Buffer
		for _, e := range entries {
			putUint32(&data, e.secs)
			putUint32(&data, e.nsecs)
			putUint32(&data, uint32(e.offset))
		}
		writeRecord(&out, [][]byte{
			field("op", []byte{0x04}),
			field("ver", uint32Bytes(1)),
			field("conn", uint32Bytes(uint32(id))),
			field("count", uint32Bytes(uint32(len(entries)))),
		}, data.Bytes())
	}
	for id, conn := range conns {
		var data bytes.Buffer
		for _, f := range [][]byte{
			field("topic", []byte(conn.Topic)),
			field("type", []byte(conn.Type)),
			field("md5sum", []byte(conn.MD5)),
			field("message_definition", []byte(conn.Definition)),
		} {
			data.Write(f)
		}
		writeRecord(&out, [][]byte{
			field("op", []byte{0x07}),
			field("conn", uint32Bytes(uint32(id))),
			field("topic", []byte(conn.Topic)),
		}, data.Bytes())
	}

	path := filepath.Join(tb.TempDir(), "test.bag")
	test.That(tb, os.WriteFile(path, out.Bytes(), 0o600), test.ShouldBeNil)
	return path
}

func writeRecord(buf *bytes.Buffer, header [][]byte, data []byte) {
	var h bytes.Buffer
	for _, f := range header {
		h.Write(f)
	}
	putUint32(buf, uint32(h.Len()))
	buf.Write(h.Bytes())
	putUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func field(name string, value []byte) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(name)+1+len(value)))
	buf.WriteString(name)
	buf.WriteByte('=')
	buf.Write(value)
	return buf.Bytes()
}

func uint32Bytes(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func putUint32(buf *bytes.Buffer, v uint32) {
	buf.Write(uint32Bytes(v))
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}
