package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: "1.0"
generics:
  - namespace: Core
    name: Named
    attributes:
      - name: name
        kind: Text
        unique: true
nodes:
  - namespace: Infra
    name: Device
    inherit_from: [CoreNamed]
    attributes:
      - name: mtu
        kind: Number
        default_value: 1500
    relationships:
      - name: site
        peer: InfraSite
        cardinality: one
  - namespace: Infra
    name: Site
    inherit_from: [CoreNamed]
`

func TestParseYAML(t *testing.T) {
	defs, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, defs, 3)

	assert.Equal(t, CategoryGeneric, defs[0].Category)
	assert.Equal(t, "InfraDevice", defs[1].Kind())
	assert.Equal(t, CategoryNode, defs[1].Category)
	assert.Equal(t, float64(1500), defs[1].Attribute("mtu").DefaultValue)

	sb := NewSchemaBranch("main")
	sb.Load(defs...)
	_, err = sb.Process()
	require.NoError(t, err)
}

func TestParseYAML_Invalid(t *testing.T) {
	_, err := ParseYAML([]byte("version: '1.0'\n"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte(`
nodes:
  - namespace: Infra
    name: Device
    attributes:
      - name: mtu
        kind: Float
`))
	assert.Error(t, err)
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	sb := sampleSchema("main")
	out, err := MarshalYAML(sb)
	require.NoError(t, err)

	defs, err := ParseYAML(out)
	require.NoError(t, err)
	again := NewSchemaBranch("main")
	again.Load(defs...)
	assert.Equal(t, sb.Hash(), again.Hash())
}
