package main

import (
	"reflect"
	"testing"
)

func TestUniqueChannels(t *testing.T) {
	got := uniqueChannels([]string{"a", "b", ""}, []string{"b", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("uniqueChannels = %v, want %v", got, want)
	}
	if got := uniqueChannels(nil, nil); got != nil {
		t.Errorf("uniqueChannels(nil) = %v, want nil", got)
	}
}
