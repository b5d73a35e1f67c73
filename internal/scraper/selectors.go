package scraper

// Selectors is the DOM contract of the target site.
type Selectors struct {
	MovieMenuToggle  string
	MovieMenuItems   string
	CinemaMenuToggle string
	CinemaMenuItems  string

	MovieCategory    string
	MovieDescription string
	CinemaAddress    string

	DateTabs       string
	ActiveDateTab  string
	ShowingBlocks  string
	ShowingMovie   string
	ShowingVersion string
	ShowingTimes   string
}

// DefaultSelectors matches the English layout of the ticketing site.
var DefaultSelectors = Selectors{
	MovieMenuToggle:  "header .nav-item.movies > .dropdown-toggle",
	MovieMenuItems:   "header .nav-item.movies .dropdown-menu a[href]",
	CinemaMenuToggle: "header .nav-item.cinemas > .dropdown-toggle",
	CinemaMenuItems:  "header .nav-item.cinemas .dropdown-menu a[href]",

	MovieCategory:    ".movie-info .category",
	MovieDescription: ".movie-info .synopsis",
	CinemaAddress:    ".cinema-info .address",

	DateTabs:       ".date-selector .date-tab",
	ActiveDateTab:  ".date-selector .date-tab.selected",
	ShowingBlocks:  ".showtime-list .movie-showing",
	ShowingMovie:   ".movie-name",
	ShowingVersion: ".version",
	ShowingTimes:   ".time",
}
