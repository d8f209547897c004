package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// Fixed mailbox word offsets (spec.md §4.5). Everything from
// offsetUserArea onward belongs to the caller.
const (
	offsetLock        = 0
	offsetCustomField = 1
	offsetUserArea    = 2
)

// Mailbox is a live view over the controller's mailbox memory: a small
// read-only product-descriptor section followed by a read-write custom
// field and a read-write user area the host application owns.
//
// Open Question (instance-lock offset): Lock/Unlock are kept as a forward
// compatible surface but are inert — they return nil without touching the
// backing words, mirroring the original's early-return in both paths.
//
// Open Question (custom-field write race): CustomField/SetCustomField rely
// on a single word-aligned 32-bit load/store being atomic on the host CPU;
// no additional fence is introduced here.
type Mailbox struct {
	mu         sync.Mutex
	driver     Driver
	hdk        HDKVersion
	totalWords int
}

// newMailbox constructs the live view. totalWords is the full mailbox size
// in 32-bit words, including the two reserved header words.
func newMailbox(driver Driver, hdk HDKVersion, totalWords int) *Mailbox {
	return &Mailbox{driver: driver, hdk: hdk, totalWords: totalWords}
}

// userAreaWords returns the number of words available to the caller after
// applying the HDK major<=3 tail-reservation quirk (Open Question,
// preserved conservatively): the last 4 words of the user area are hidden
// whenever the HDK major is 3 or older and the area is at least 4 words.
func (m *Mailbox) userAreaWords() int {
	n := m.totalWords - offsetUserArea
	if n < 0 {
		n = 0
	}
	if m.hdk.Major <= 3 && n >= 4 {
		n -= 4
	}
	return n
}

// Lock is a reserved, inert no-op (Open Question: instance-lock offset).
func (m *Mailbox) Lock(ctx context.Context) error { return nil }

// Unlock is a reserved, inert no-op (Open Question: instance-lock offset).
func (m *Mailbox) Unlock(ctx context.Context) error { return nil }

// CustomField reads the single custom-field word.
func (m *Mailbox) CustomField(ctx context.Context) (uint32, error) {
	words, err := m.driver.ReadMailbox(ctx, offsetCustomField, 1)
	if err != nil {
		return 0, drmerrors.Wrap(drmerrors.KindHWError, "mailbox.customField", err)
	}
	return words[0], nil
}

// SetCustomField writes the single custom-field word.
func (m *Mailbox) SetCustomField(ctx context.Context, value uint32) error {
	if err := m.driver.WriteMailbox(ctx, offsetCustomField, []uint32{value}); err != nil {
		return drmerrors.Wrap(drmerrors.KindHWError, "mailbox.setCustomField", err)
	}
	return nil
}

// Read returns length words of the user area starting at offset (offset is
// relative to the start of the user area, not the mailbox).
func (m *Mailbox) Read(ctx context.Context, offset, length int) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := m.userAreaWords()
	if offset < 0 || length < 0 || offset+length > avail {
		return nil, drmerrors.New(drmerrors.KindBadArg, "mailbox.read",
			fmt.Sprintf("range [%d,%d) out of bounds for %d-word user area", offset, offset+length, avail))
	}
	return m.driver.ReadMailbox(ctx, offsetUserArea+offset, length)
}

// Write stores words into the user area starting at offset.
func (m *Mailbox) Write(ctx context.Context, offset int, words []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := m.userAreaWords()
	if offset < 0 || offset+len(words) > avail {
		return drmerrors.New(drmerrors.KindBadArg, "mailbox.write",
			fmt.Sprintf("range [%d,%d) out of bounds for %d-word user area", offset, offset+len(words), avail))
	}
	return m.driver.WriteMailbox(ctx, offsetUserArea+offset, words)
}

// Size returns the user-visible word count (after the tail-reservation
// quirk, if any).
func (m *Mailbox) Size() int {
	return m.userAreaWords()
}
