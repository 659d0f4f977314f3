// Package embedded imports every notation format compiled into the binary
// so that their init functions register with core/formats.
package embedded

import (
	// Format handlers register themselves on import.
	_ "github.com/FocuswithJustin/ScoreBridge/internal/formats/lilypond"
	_ "github.com/FocuswithJustin/ScoreBridge/internal/formats/musicxml"
)
