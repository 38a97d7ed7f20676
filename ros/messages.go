package ros

import "time"

// Meta is the per message metadata the bag parser attaches to every JSON line.
type Meta struct {
	Topic string `json:"topic"`
	Secs  int64  `json:"secs"`
	Nsecs int64  `json:"nsecs"`
}

// Time returns the record time of the message.
func (m Meta) Time() time.Time {
	return time.Unix(m.Secs, m.Nsecs)
}

// ImageMessage is the JSON form of a sensor_msgs/Image.
type ImageMessage struct {
	Meta Meta
	Data struct {
		Header struct {
			Seq   int
			Stamp struct {
				Secs  int64
				Nsecs int64
			}
			FrameID string `json:"frame_id"`
		}
		Height      uint32
		Width       uint32
		Encoding    string
		IsBigendian uint8 `json:"is_bigendian"`
		Step        uint32
		// uint8 arrays come out of the parser as JSON number arrays; base64 strings are
		// accepted as well.
		Data []byte
	}
}

// ImageRecord is a single image taken off a topic of a bag.
type ImageRecord struct {
	Topic    string
	Time     time.Time
	Width    uint32
	Height   uint32
	Encoding string
	Data     []byte
}

func (msg *ImageMessage) record(topic string) ImageRecord {
	if msg.Meta.Topic != "" {
		topic = msg.Meta.Topic
	}
	return ImageRecord{
		Topic:    topic,
		Time:     msg.Meta.Time(),
		Width:    msg.Data.Width,
		Height:   msg.Data.Height,
		Encoding: msg.Data.Encoding,
		Data:     msg.Data.Data,
	}
}
