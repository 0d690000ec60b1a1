package connect

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// orchestration core for LoquiLex live-captioning sessions
// wraps the backend http api and the session websocket with
// retry, backpressure, and cancellation policy so the ui layer
// only ever sees typed state and callbacks

type ByteCount = int64

func Kib(c ByteCount) ByteCount {
	return c * 1024
}

func Mib(c ByteCount) ByteCount {
	return c * 1024 * 1024
}

// comparable
// ulids are ordered by create time, which lets ids from the same
// source be sorted without a separate sequence
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self.Bytes(), b.Bytes()) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
