// ABOUTME: WMO weather code descriptions and ride-severity classification
// ABOUTME: Severity feeds the itinerary's go/no-go hints for each riding day

package weather

// Severity grades how much a day's weather threatens the ride.
type Severity string

const (
	SeverityGood    Severity = "good"
	SeverityFair    Severity = "fair"
	SeverityCaution Severity = "caution"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
	SeverityUnknown Severity = "unknown"
)

// Condition describes one WMO weather code.
type Condition struct {
	Icon     string
	Desc     string
	Severity Severity
}

var wmoCodes = map[int]Condition{
	0:  {"☀️", "Céu limpo", SeverityGood},
	1:  {"🌤️", "Principalmente limpo", SeverityGood},
	2:  {"⛅", "Parcialmente nublado", SeverityFair},
	3:  {"☁️", "Nublado", SeverityFair},
	45: {"🌫️", "Neblina", SeverityCaution},
	48: {"🌫️", "Neblina com geada", SeverityCaution},
	51: {"🌧️", "Garoa leve", SeverityCaution},
	53: {"🌧️", "Garoa moderada", SeverityCaution},
	55: {"🌧️", "Garoa intensa", SeverityWarning},
	61: {"🌧️", "Chuva leve", SeverityCaution},
	63: {"🌧️", "Chuva moderada", SeverityWarning},
	65: {"🌧️", "Chuva forte", SeverityDanger},
	66: {"🌨️", "Chuva congelante leve", SeverityWarning},
	67: {"🌨️", "Chuva congelante forte", SeverityDanger},
	71: {"❄️", "Neve leve", SeverityWarning},
	73: {"❄️", "Neve moderada", SeverityDanger},
	75: {"❄️", "Neve forte", SeverityDanger},
	80: {"🌦️", "Pancadas leves", SeverityCaution},
	81: {"🌦️", "Pancadas moderadas", SeverityWarning},
	82: {"⛈️", "Pancadas fortes", SeverityDanger},
	95: {"⛈️", "Tempestade", SeverityDanger},
	96: {"⛈️", "Tempestade com granizo", SeverityDanger},
	99: {"⛈️", "Tempestade severa", SeverityDanger},
}

// Describe maps a WMO code to its condition. Unknown codes get a
// placeholder rather than an error.
func Describe(code int) Condition {
	if c, ok := wmoCodes[code]; ok {
		return c
	}
	return Condition{Icon: "❓", Desc: "Desconhecido", Severity: SeverityUnknown}
}
