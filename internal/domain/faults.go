package domain

// FaultInfo describes one bit of an inverter alarm bitmask.
type FaultInfo struct {
	Code     int    `json:"code"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Action   string `json:"action"`
}

// FaultTable maps single-bit codes to their description.
type FaultTable map[int]FaultInfo

// InformativeErrors translates informative alarm bits.
var InformativeErrors = FaultTable{
	1:     {1, "Fan warning", "INFO", "Check cooling fans"},
	2:     {2, "Grid frequency out of range", "WARNING", "Monitor grid frequency"},
	4:     {4, "Grid voltage out of range", "WARNING", "Check grid connection"},
	8:     {8, "DC input over voltage", "WARNING", "Check string configuration"},
	16:    {16, "Low insulation resistance", "WARNING", "Inspect DC wiring"},
	32:    {32, "Inverter temperature high", "WARNING", "Check cooling"},
	64:    {64, "Communication loss with meter", "INFO", "Check network"},
	128:   {128, "String current imbalance", "INFO", "Inspect panels"},
	256:   {256, "DC bus imbalance", "WARNING", "Contact technician"},
	1024:  {1024, "Internal memory warning", "INFO", "Schedule maintenance"},
	2048:  {2048, "Power derating active", "INFO", "No action needed"},
	4096:  {4096, "Firmware update pending", "INFO", "Apply firmware update"},
	32768: {32768, "Real time clock not set", "INFO", "Sync inverter clock"},
}

// CriticalErrors translates critical alarm bits.
var CriticalErrors = FaultTable{
	1:    {1, "Ground fault detected", "CRITICAL", "Disconnect and inspect"},
	2:    {2, "Arc fault detected", "CRITICAL", "Disconnect immediately"},
	4:    {4, "AC contactor failure", "CRITICAL", "Contact technician"},
	8:    {8, "Inverter overload", "CRITICAL", "Reduce load"},
	16:   {16, "Over temperature shutdown", "CRITICAL", "Check cooling"},
	32:   {32, "Hardware fault", "CRITICAL", "Contact technician"},
	64:   {64, "Grid connection lost", "CRITICAL", "Check grid connection"},
	128:  {128, "Emergency shutdown", "CRITICAL", "Contact support"},
	1024: {1024, "DC switch open", "CRITICAL", "Close DC disconnect"},
}
