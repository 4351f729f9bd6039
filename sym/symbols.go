// Package sym defines canonical symbols for tempo subsystems.
// These symbols are stable across CLI output and structured logs.
package sym

// Subsystem symbols.
const (
	Pulse      = "꩜" // firing loop, worker dispatch, job execution
	PulseOpen  = "✿" // graceful startup and recovery of orphaned triggers
	PulseClose = "❀" // graceful shutdown and draining of in-flight jobs
	DB         = "⊔" // job store / storage layer
	AM         = "≡" // configuration
	Lock       = "⚿" // cluster locks and heartbeats
	Misfire    = "⏲" // misfire handling
)

// entry binds a glyph to its command and description.
type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{Pulse, "pulse", "Firing loop and job execution"},
	{PulseOpen, "", "Startup recovery"},
	{PulseClose, "", "Graceful shutdown"},
	{DB, "db", "Job store"},
	{AM, "am", "Configuration"},
	{Lock, "", "Cluster locks and heartbeats"},
	{Misfire, "", "Misfire handling"},
}

// SymbolToCommand maps glyph strings to their CLI command equivalents.
var SymbolToCommand = map[string]string{}

// CommandToSymbol maps CLI commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{}

// Descriptions maps glyphs to human-readable explanations.
var Descriptions = map[string]string{}

func init() {
	for _, e := range registry {
		Descriptions[e.glyph] = e.description
		if e.command != "" {
			SymbolToCommand[e.glyph] = e.command
			CommandToSymbol[e.command] = e.glyph
		}
	}
}
