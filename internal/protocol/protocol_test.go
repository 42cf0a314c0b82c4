package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagPacking(t *testing.T) {
	tests := []struct {
		tag  Tag
		text string
	}{
		{TagOpen, "OPEN"},
		{TagRead, "READ"},
		{TagWrite, "WRIT"},
		{TagClose, "CLOS"},
		{TagSize, "SIZE"},
		{TagSeen, "SEEN"},
		{TagGetPic, "GPIC"},
		{TagSetPic, "SPIC"},
		{TagChild, "CHLD"},
		{TagDone, "DONE"},
		{TagPass, "PASS"},
		{TagFork, "FORK"},
		{TagFlush, "FLSH"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.text, tt.tag.String())
		// Little-endian packing: the first letter is the low byte.
		assert.Equal(t, uint32(tt.text[0]), uint32(tt.tag)&0xFF)
	}
}

func TestRequestTags(t *testing.T) {
	assert.Equal(t, TagOpen, Open{}.Tag())
	assert.Equal(t, TagRead, Read{}.Tag())
	assert.Equal(t, TagWrite, Write{}.Tag())
	assert.Equal(t, TagClose, Close{}.Tag())
	assert.Equal(t, TagSize, Size{}.Tag())
	assert.Equal(t, TagSeen, Seen{}.Tag())
	assert.Equal(t, TagChild, Child{}.Tag())
	assert.Equal(t, TagGetPic, GetPic{}.Tag())
	assert.Equal(t, TagSetPic, SetPic{}.Tag())
}

func TestMessageString(t *testing.T) {
	m := Message{Time: 42, Req: Open{Fid: 3, Path: "a.tex", Mode: "r"}}
	assert.Equal(t, `0042ms: OPEN(3, "a.tex", "r")`, m.String())
}
