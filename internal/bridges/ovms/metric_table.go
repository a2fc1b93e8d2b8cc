package ovms

import "strings"

// MetricDefinition describes a known OVMS metric.
type MetricDefinition struct {
	Name           string
	Description    string
	Unit           string
	DeviceClass    string
	StateClass     string
	Icon           string
	EntityCategory string

	// Binary marks definitions whose device class is a binary sensor class.
	Binary bool
}

// Sensor state classes.
const (
	stateMeasurement     = "measurement"
	stateTotalIncreasing = "total_increasing"
)

const diagnostic = "diagnostic"

// metricTable maps dotted OVMS metric paths to their definitions.
var metricTable = map[string]MetricDefinition{
	// Battery
	"v.b.soc":           {Name: "Battery State of Charge", Unit: "%", DeviceClass: "battery", StateClass: stateMeasurement, Icon: "mdi:battery"},
	"v.b.soh":           {Name: "Battery State of Health", Unit: "%", StateClass: stateMeasurement, Icon: "mdi:battery-heart-variant"},
	"v.b.cac":           {Name: "Battery Capacity", Unit: "Ah", StateClass: stateMeasurement, Icon: "mdi:battery-high"},
	"v.b.voltage":       {Name: "Battery Voltage", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement},
	"v.b.current":       {Name: "Battery Current", Unit: "A", DeviceClass: "current", StateClass: stateMeasurement},
	"v.b.power":         {Name: "Battery Power", Unit: "kW", DeviceClass: "power", StateClass: stateMeasurement},
	"v.b.energy.used":   {Name: "Battery Energy Used", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing},
	"v.b.energy.recd":   {Name: "Battery Energy Recovered", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing},
	"v.b.range.est":     {Name: "Estimated Range", Unit: "km", DeviceClass: "distance", StateClass: stateMeasurement, Icon: "mdi:map-marker-distance"},
	"v.b.range.ideal":   {Name: "Ideal Range", Unit: "km", DeviceClass: "distance", StateClass: stateMeasurement, Icon: "mdi:map-marker-distance"},
	"v.b.range.full":    {Name: "Full Range", Unit: "km", DeviceClass: "distance", StateClass: stateMeasurement, Icon: "mdi:map-marker-distance"},
	"v.b.temp":          {Name: "Battery Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.b.consumption":   {Name: "Battery Consumption", Unit: "Wh/km", StateClass: stateMeasurement, Icon: "mdi:lightning-bolt"},
	"v.b.12v.voltage":   {Name: "12V Battery Voltage", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement, Icon: "mdi:car-battery"},
	"v.b.12v.current":   {Name: "12V Battery Current", Unit: "A", DeviceClass: "current", StateClass: stateMeasurement, Icon: "mdi:car-battery"},
	"v.b.p.level.avg":   {Name: "Cell Level Average", Unit: "%", StateClass: stateMeasurement},
	"v.b.p.voltage.min": {Name: "Cell Voltage Minimum", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement},
	"v.b.p.voltage.max": {Name: "Cell Voltage Maximum", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement},

	// Charging
	"v.c.charging":      {Name: "Charging", DeviceClass: "battery_charging", Binary: true},
	"v.c.inprogress":    {Name: "Charge In Progress", DeviceClass: "battery_charging", Binary: true},
	"v.c.pilot":         {Name: "Charge Pilot", DeviceClass: "plug", Binary: true},
	"v.c.state":         {Name: "Charge State", Icon: "mdi:ev-station"},
	"v.c.substate":      {Name: "Charge Substate", Icon: "mdi:ev-station", EntityCategory: diagnostic},
	"v.c.mode":          {Name: "Charge Mode", Icon: "mdi:ev-station"},
	"v.c.type":          {Name: "Charge Connector Type", Icon: "mdi:ev-plug-type2"},
	"v.c.voltage":       {Name: "Charge Voltage", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement},
	"v.c.current":       {Name: "Charge Current", Unit: "A", DeviceClass: "current", StateClass: stateMeasurement},
	"v.c.climit":        {Name: "Charge Current Limit", Unit: "A", DeviceClass: "current", StateClass: stateMeasurement},
	"v.c.power":         {Name: "Charge Power", Unit: "kW", DeviceClass: "power", StateClass: stateMeasurement},
	"v.c.kwh":           {Name: "Charge Energy", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing},
	"v.c.temp":          {Name: "Charger Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.c.duration.full": {Name: "Time To Full", Unit: "min", DeviceClass: "duration", StateClass: stateMeasurement},
	"v.c.duration.soc":  {Name: "Time To Charge Limit", Unit: "min", DeviceClass: "duration", StateClass: stateMeasurement},
	"v.c.limit.soc":     {Name: "Charge Limit", Unit: "%", StateClass: stateMeasurement, Icon: "mdi:battery-charging-high"},

	// Doors
	"v.d.fl":    {Name: "Front Left Door", DeviceClass: "door", Binary: true},
	"v.d.fr":    {Name: "Front Right Door", DeviceClass: "door", Binary: true},
	"v.d.rl":    {Name: "Rear Left Door", DeviceClass: "door", Binary: true},
	"v.d.rr":    {Name: "Rear Right Door", DeviceClass: "door", Binary: true},
	"v.d.trunk": {Name: "Trunk", DeviceClass: "opening", Binary: true},
	"v.d.hood":  {Name: "Hood", DeviceClass: "opening", Binary: true},
	"v.d.cp":    {Name: "Charge Port", DeviceClass: "opening", Binary: true},

	// Environment
	"v.e.on":          {Name: "Vehicle On", DeviceClass: "power", Binary: true},
	"v.e.awake":       {Name: "Vehicle Awake", DeviceClass: "running", Binary: true},
	"v.e.locked":      {Name: "Vehicle Locked", DeviceClass: "lock", Binary: true},
	"v.e.valet":       {Name: "Valet Mode", Binary: true, Icon: "mdi:account-tie"},
	"v.e.headlights":  {Name: "Headlights", DeviceClass: "light", Binary: true},
	"v.e.alarm":       {Name: "Alarm", DeviceClass: "problem", Binary: true},
	"v.e.hvac":        {Name: "HVAC", DeviceClass: "running", Binary: true},
	"v.e.handbrake":   {Name: "Handbrake", Binary: true, Icon: "mdi:car-brake-parking"},
	"v.e.footbrake":   {Name: "Footbrake", Unit: "%", StateClass: stateMeasurement, Icon: "mdi:car-brake-alert"},
	"v.e.throttle":    {Name: "Throttle", Unit: "%", StateClass: stateMeasurement, Icon: "mdi:speedometer"},
	"v.e.gear":        {Name: "Gear", Icon: "mdi:car-shift-pattern"},
	"v.e.temp":        {Name: "Ambient Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.e.cabintemp":   {Name: "Cabin Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.e.parktime":    {Name: "Park Time", Unit: "s", DeviceClass: "duration", StateClass: stateMeasurement},
	"v.e.drivetime":   {Name: "Drive Time", Unit: "s", DeviceClass: "duration", StateClass: stateMeasurement},
	"v.e.charging12v": {Name: "12V Charging", DeviceClass: "battery_charging", Binary: true},

	// Position
	"v.p.latitude":     {Name: "Latitude", Unit: "°", Icon: "mdi:latitude"},
	"v.p.longitude":    {Name: "Longitude", Unit: "°", Icon: "mdi:longitude"},
	"v.p.altitude":     {Name: "Altitude", Unit: "m", DeviceClass: "distance", StateClass: stateMeasurement, Icon: "mdi:altimeter"},
	"v.p.direction":    {Name: "Direction", Unit: "°", StateClass: stateMeasurement, Icon: "mdi:compass"},
	"v.p.speed":        {Name: "Speed", Unit: "km/h", DeviceClass: "speed", StateClass: stateMeasurement},
	"v.p.gpsspeed":     {Name: "GPS Speed", Unit: "km/h", DeviceClass: "speed", StateClass: stateMeasurement},
	"v.p.odometer":     {Name: "Odometer", Unit: "km", DeviceClass: "distance", StateClass: stateTotalIncreasing, Icon: "mdi:counter"},
	"v.p.trip":         {Name: "Trip", Unit: "km", DeviceClass: "distance", StateClass: stateMeasurement, Icon: "mdi:map-marker-path"},
	"v.p.acceleration": {Name: "Acceleration", Unit: "m/s²", StateClass: stateMeasurement, Icon: "mdi:car-speed-limiter"},
	"v.p.gpslock":      {Name: "GPS Lock", DeviceClass: "connectivity", Binary: true, EntityCategory: diagnostic},
	"v.p.gpssq":        {Name: "GPS Signal Quality", Unit: "%", StateClass: stateMeasurement, EntityCategory: diagnostic, Icon: "mdi:satellite-variant"},
	"v.p.gpshdop":      {Name: "GPS HDOP", StateClass: stateMeasurement, EntityCategory: diagnostic},
	"v.p.satcount":     {Name: "GPS Satellites", StateClass: stateMeasurement, EntityCategory: diagnostic, Icon: "mdi:satellite-variant"},

	// Motor, inverter and generator
	"v.m.rpm":        {Name: "Motor RPM", Unit: "rpm", StateClass: stateMeasurement, Icon: "mdi:engine"},
	"v.m.temp":       {Name: "Motor Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.i.temp":       {Name: "Inverter Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.i.power":      {Name: "Inverter Power", Unit: "kW", DeviceClass: "power", StateClass: stateMeasurement},
	"v.i.efficiency": {Name: "Inverter Efficiency", Unit: "%", StateClass: stateMeasurement},
	"v.g.generating": {Name: "Generating", DeviceClass: "power", Binary: true},
	"v.g.power":      {Name: "Generator Power", Unit: "kW", DeviceClass: "power", StateClass: stateMeasurement},
	"v.g.kwh":        {Name: "Generator Energy", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing},

	// Tyres
	"v.t.pressure": {Name: "Tyre Pressure", Unit: "kPa", DeviceClass: "pressure", StateClass: stateMeasurement},
	"v.t.temp":     {Name: "Tyre Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement},
	"v.t.health":   {Name: "Tyre Health", Unit: "%", StateClass: stateMeasurement},
	"v.t.alert":    {Name: "Tyre Alert", Icon: "mdi:car-tire-alert"},

	// Module
	"m.version":      {Name: "Firmware Version", EntityCategory: diagnostic, Icon: "mdi:chip"},
	"m.hardware":     {Name: "Hardware", EntityCategory: diagnostic, Icon: "mdi:chip"},
	"m.serial":       {Name: "Serial Number", EntityCategory: diagnostic},
	"m.freeram":      {Name: "Free RAM", Unit: "B", StateClass: stateMeasurement, EntityCategory: diagnostic, Icon: "mdi:memory"},
	"m.tasks":        {Name: "Tasks", StateClass: stateMeasurement, EntityCategory: diagnostic},
	"m.monotonic":    {Name: "Uptime", Unit: "s", DeviceClass: "duration", StateClass: stateTotalIncreasing, EntityCategory: diagnostic},
	"m.time.utc":     {Name: "Module Time", DeviceClass: "timestamp", EntityCategory: diagnostic},
	"m.net.type":     {Name: "Network Type", EntityCategory: diagnostic, Icon: "mdi:access-point-network"},
	"m.net.sq":       {Name: "Network Signal", Unit: "dBm", DeviceClass: "signal_strength", StateClass: stateMeasurement, EntityCategory: diagnostic},
	"m.net.provider": {Name: "Network Provider", EntityCategory: diagnostic, Icon: "mdi:sim"},
}

// binaryMetrics are paths that are binary regardless of their definition.
var binaryMetrics = map[string]bool{
	"v.c.charging":    true,
	"v.c.inprogress":  true,
	"v.c.pilot":       true,
	"v.d.fl":          true,
	"v.d.fr":          true,
	"v.d.rl":          true,
	"v.d.rr":          true,
	"v.d.trunk":       true,
	"v.d.hood":        true,
	"v.d.cp":          true,
	"v.e.on":          true,
	"v.e.awake":       true,
	"v.e.locked":      true,
	"v.e.valet":       true,
	"v.e.headlights":  true,
	"v.e.alarm":       true,
	"v.e.hvac":        true,
	"v.e.handbrake":   true,
	"v.e.charging12v": true,
	"v.p.gpslock":     true,
	"v.g.generating":  true,
}

// metricPatterns are keyword fallbacks for paths missing from the table.
// The first keyword found in the last path segment wins.
var metricPatterns = []struct {
	keyword string
	def     MetricDefinition
}{
	{"soc", MetricDefinition{Name: "State of Charge", Unit: "%", DeviceClass: "battery", StateClass: stateMeasurement}},
	{"voltage", MetricDefinition{Name: "Voltage", Unit: "V", DeviceClass: "voltage", StateClass: stateMeasurement}},
	{"current", MetricDefinition{Name: "Current", Unit: "A", DeviceClass: "current", StateClass: stateMeasurement}},
	{"power", MetricDefinition{Name: "Power", Unit: "kW", DeviceClass: "power", StateClass: stateMeasurement}},
	{"kwh", MetricDefinition{Name: "Energy", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing}},
	{"energy", MetricDefinition{Name: "Energy", Unit: "kWh", DeviceClass: "energy", StateClass: stateTotalIncreasing}},
	{"temp", MetricDefinition{Name: "Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: stateMeasurement}},
	{"range", MetricDefinition{Name: "Range", Unit: "km", DeviceClass: "distance", StateClass: stateMeasurement}},
	{"odometer", MetricDefinition{Name: "Odometer", Unit: "km", DeviceClass: "distance", StateClass: stateTotalIncreasing}},
	{"speed", MetricDefinition{Name: "Speed", Unit: "km/h", DeviceClass: "speed", StateClass: stateMeasurement}},
	{"pressure", MetricDefinition{Name: "Pressure", Unit: "kPa", DeviceClass: "pressure", StateClass: stateMeasurement}},
}

// LookupMetric returns the definition for a dotted metric path.
func LookupMetric(path string) (MetricDefinition, bool) {
	def, ok := metricTable[path]
	return def, ok
}

// LookupMetricPattern matches the last path segment against keyword
// fallbacks. The display name keeps the segment's own wording.
func LookupMetricPattern(parts []string) (MetricDefinition, bool) {
	if len(parts) == 0 {
		return MetricDefinition{}, false
	}
	last := strings.ToLower(parts[len(parts)-1])
	for _, p := range metricPatterns {
		if strings.Contains(last, p.keyword) {
			def := p.def
			def.Name = titleCase(strings.ReplaceAll(parts[len(parts)-1], "_", " "))
			return def, true
		}
	}
	return MetricDefinition{}, false
}

// IsBinaryMetric reports whether path is a known binary metric.
func IsBinaryMetric(path string) bool {
	return binaryMetrics[path]
}
