// README: Trigger predicates per source kind. An observation that passes
// none of them produces no event.
package event

// Evaluate grades an observation. ok is false when the reading stays below
// every trigger for its kind.
func Evaluate(o Observation) (Severity, bool) {
	switch o.Type {
	case TypeWeather:
		if o.Weather != nil {
			return weatherSeverity(*o.Weather)
		}
	case TypeTrafficIncident:
		if o.Traffic != nil {
			return trafficSeverity(*o.Traffic)
		}
	case TypeFlightArrival, TypeFlightDeparture:
		if o.Flight != nil {
			return flightSeverity(*o.Flight)
		}
	case TypeConcert:
		if o.Crowd != nil {
			return crowdSeverity(*o.Crowd)
		}
	}
	return "", false
}

// weatherSeverity triggers on rainfall above 5 mm, wind above 25 kph, or a
// severe condition. Typhoons are always critical.
func weatherSeverity(s WeatherSignal) (Severity, bool) {
	switch s.Condition {
	case "typhoon":
		return SeverityCritical, true
	case "heavy_rain", "thunderstorm":
		return SeverityHigh, true
	}
	if s.RainfallMM >= 10 {
		return SeverityHigh, true
	}
	if s.RainfallMM > 5 || s.WindKPH > 25 {
		return SeverityMedium, true
	}
	return "", false
}

// trafficSeverity passes medium and above through; low congestion is noise.
func trafficSeverity(s TrafficSignal) (Severity, bool) {
	switch Severity(s.Severity) {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s.Severity), true
	}
	return "", false
}

// flightSeverity triggers on delays past 20 minutes or loads past 250
// passengers; an hour's delay or a widebody load grades high.
func flightSeverity(s FlightSignal) (Severity, bool) {
	if s.DelayMin <= 20 && s.Passengers <= 250 {
		return "", false
	}
	if s.DelayMin > 60 || s.Passengers > 400 {
		return SeverityHigh, true
	}
	return SeverityMedium, true
}

// crowdSeverity triggers on expected attendance past 3000.
func crowdSeverity(s CrowdSignal) (Severity, bool) {
	switch {
	case s.ExpectedAttendance > 50000:
		return SeverityCritical, true
	case s.ExpectedAttendance > 10000:
		return SeverityHigh, true
	case s.ExpectedAttendance > 3000:
		return SeverityMedium, true
	}
	return "", false
}
