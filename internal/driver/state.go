package driver

import "github.com/texpresso/texpresso/internal/vfs"

// MaxFiles bounds the engine's file id space.
const MaxFiles = 1024

// state is the open-file table plus the four singleton output slots. The
// same entry may sit in several cells; a slot keeps its entry until the
// run is rewound past the corresponding open.
//
// document and synctex stay bound after their owning id is closed so the
// decoders keep mapping the same buffer across engine runs; stdout and
// log are released on close.
type state struct {
	table [MaxFiles]vfs.Cell

	stdout   vfs.Cell
	document vfs.Cell
	synctex  vfs.Cell
	logfile  vfs.Cell
}
