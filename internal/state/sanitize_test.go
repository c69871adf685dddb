package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"maxxi-1234":      "maxxi-1234",
		"Maxxi CCU #1":    "Maxxi_CCU__1",
		"batterySOC":      "batterySOC",
		"PV.power/total":  "PV_power_total",
		"größe":           "gr__e",
		"":                "",
		"already_safe-id": "already_safe-id",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{"Maxxi CCU #1", "a.b.c", "ÄÖÜ", "x y\tz", "ok"}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once))
		assert.Equal(t, once, Sanitize(in))
	}
}

func TestDeviceIDIsLowerCase(t *testing.T) {
	assert.Equal(t, "maxxi-abc_1", DeviceID("Maxxi-ABC 1"))
	assert.Equal(t, DeviceID("Maxxi-ABC 1"), DeviceID(DeviceID("Maxxi-ABC 1")))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a.b.c", Join("a", "", "b", "c"))
	assert.Equal(t, []string{"a", "b"}, Split("a.b"))
	assert.Nil(t, Split(""))
	assert.Equal(t, "c", Base("a.b.c"))
	assert.Equal(t, "a.b", Parent("a.b.c"))
	assert.Equal(t, "", Parent("a"))

	assert.True(t, Within("dev.settings.x", "dev.settings"))
	assert.True(t, Within("dev.settings", "dev.settings"))
	assert.False(t, Within("dev.settingsX", "dev.settings"))
	assert.True(t, Within("anything", ""))
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleBattery, RoleFor("SOC"))
	assert.Equal(t, RoleBattery, RoleFor("batterySOC"))
	assert.Equal(t, RolePower, RoleFor("PV_power_total"))
	assert.Equal(t, RoleIPAddress, RoleFor("ip_addr"))
	assert.Equal(t, RoleIndicator, RoleFor("isDayTime"))
	assert.Equal(t, RoleGeneric, RoleFor("numberOfBatteries"))
}

func TestFloat(t *testing.T) {
	for _, v := range []any{42.0, float32(42), 42, int64(42), uint32(42), json.Number("42")} {
		f, ok := Float(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 42.0, f, "%T", v)
	}
	for _, v := range []any{"42", nil, true, json.Number("x")} {
		_, ok := Float(v)
		assert.False(t, ok, "%v", v)
	}
	assert.Equal(t, TypeNumber, TypeOf(json.Number("1.5")))
}
