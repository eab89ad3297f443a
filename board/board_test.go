package board

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdCodec(t *testing.T) {
	a := NewId()

	parsed, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, a)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, a.IsZero(), false)
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestIdMapKeyCodec(t *testing.T) {
	// ids key the resource maps, so they must round trip as json map keys

	a := NewId()
	b := NewId()
	m1 := map[Id]int{
		a: 1,
		b: 2,
	}

	m1Json, err := json.Marshal(m1)
	assert.Equal(t, err, nil)

	m2 := map[Id]int{}
	err = json.Unmarshal(m1Json, &m2)
	assert.Equal(t, err, nil)

	assert.Equal(t, m1, m2)
}

func TestResourceKindCollection(t *testing.T) {
	for _, kind := range allResourceKinds {
		parsed, ok := ResourceKindForCollection(kind.Collection())
		assert.Equal(t, ok, true)
		assert.Equal(t, parsed, kind)
	}

	_, ok := ResourceKindForCollection("widgets")
	assert.Equal(t, ok, false)
}
