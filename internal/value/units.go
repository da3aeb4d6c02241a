package value

// units maps wire unit tags to display labels
var units = map[string]string{
	"UnitAmpere":                  "A",
	"UnitDegreeCelsius":           "°C",
	"UnitEuroCentPerKiloWattHour": "€/kWh",
	"UnitHertz":                   "Hz",
	"UnitHours":                   "h",
	"UnitKiloWattHour":            "kWh",
	"UnitLux":                     "lx",
	"UnitMinutes":                 "min",
	"UnitNone":                    "",
	"UnitOhm":                     "Ω",
	"UnitPartsPerMillion":         "ppm",
	"UnitPercentage":              "%",
	"UnitSeconds":                 "s",
	"UnitUnixTime":                "Unix Time",
	"UnitVolt":                    "V",
	"UnitVoltAmpereReactive":      "VAR",
	"UnitWatt":                    "W",
}

// Unit returns the display label for a wire unit tag. Tags without a mapping
// are returned as-is.
func Unit(tag string) string {
	if label, ok := units[tag]; ok {
		return label
	}
	return tag
}
