package campaign

// stateCities is the built-in expansion table mapping a state code to its
// ordered city targets, largest markets first. Unknown states fall back to
// a single statewide job.
var stateCities = map[string][]string{
	"AZ": {"Phoenix", "Tucson", "Mesa", "Chandler", "Scottsdale"},
	"CA": {"Los Angeles", "San Diego", "San Jose", "San Francisco", "Fresno", "Sacramento"},
	"CO": {"Denver", "Colorado Springs", "Aurora", "Fort Collins"},
	"FL": {"Jacksonville", "Miami", "Tampa", "Orlando", "St. Petersburg"},
	"GA": {"Atlanta", "Columbus", "Augusta", "Savannah"},
	"IL": {"Chicago", "Aurora", "Naperville", "Joliet", "Rockford"},
	"MA": {"Boston", "Worcester", "Springfield", "Cambridge"},
	"NC": {"Charlotte", "Raleigh", "Greensboro", "Durham", "Winston-Salem"},
	"NJ": {"Newark", "Jersey City", "Paterson", "Elizabeth"},
	"NV": {"Las Vegas", "Henderson", "Reno", "North Las Vegas"},
	"NY": {"New York", "Buffalo", "Rochester", "Yonkers", "Syracuse"},
	"OH": {"Columbus", "Cleveland", "Cincinnati", "Toledo", "Akron"},
	"OR": {"Portland", "Eugene", "Salem", "Gresham"},
	"PA": {"Philadelphia", "Pittsburgh", "Allentown", "Erie"},
	"TX": {"Houston", "San Antonio", "Dallas", "Austin", "Fort Worth", "El Paso"},
	"WA": {"Seattle", "Spokane", "Tacoma", "Vancouver", "Bellevue"},
}

// citiesFor returns the ordered city list for a state, truncated to limit
// when limit > 0.
func citiesFor(state string, limit int) []string {
	cities, ok := stateCities[state]
	if !ok || len(cities) == 0 {
		cities = []string{state}
	}
	if limit > 0 && len(cities) > limit {
		cities = cities[:limit]
	}
	return append([]string(nil), cities...)
}
