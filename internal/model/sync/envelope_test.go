package sync

import "testing"

func TestValidChannelName(t *testing.T) {
	valid := []string{
		"demo",
		"demo room",
		"Demo_Room-2",
		"42",
	}
	for _, name := range valid {
		if !ValidChannelName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{
		"",
		"bad/name",
		"bad.name",
		"bad:name",
		"émoji",
		"line\nbreak",
	}
	for _, name := range invalid {
		if ValidChannelName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}
