package group

import "errors"

var (
	// ErrIllegalState is returned by Transition for any (from, to) pair
	// not present in spec.md §4.7's transition table.
	ErrIllegalState = errors.New("group: illegal state transition")
	// ErrEmptyGroup is returned by SelectProtocol when the group has no
	// members to vote.
	ErrEmptyGroup = errors.New("group: cannot select a protocol for an empty group")
	// ErrNoCommonProtocol is returned by SelectProtocol when no protocol
	// name is supported by every member.
	ErrNoCommonProtocol = errors.New("group: members share no common protocol")
	// ErrMemberNotFound is returned by RemoveMember/Heartbeat for an
	// unknown member ID.
	ErrMemberNotFound = errors.New("group: member not found")
	// ErrGroupNotFound is returned by Coordinator lookups for an unknown
	// group ID.
	ErrGroupNotFound = errors.New("group: group not found")
)
