package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/procedures/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings apply
// to the next run.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Bound by pointer so copies of the model share the values the form edits
	fields *settingsFields
}

// settingsFields holds the form field bindings (strings for Huh).
type settingsFields struct {
	saveTarget          string
	maxConcurrent       string
	defaultTimeout      string
	maxAttempts         string
	initialInterval     string
	consecutiveFailures string
	journalEnabled      bool
	verbose             bool
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

// loadFromConfig initializes form field values from config.
func (m *SettingsPaneModel) loadFromConfig() {
	m.fields = &settingsFields{}
	m.fields.saveTarget = "project"
	m.fields.maxConcurrent = strconv.Itoa(m.config.Scheduler.MaxConcurrent)
	m.fields.defaultTimeout = m.config.Scheduler.DefaultTimeout.String()
	m.fields.maxAttempts = strconv.Itoa(m.config.Retry.MaxAttempts)
	m.fields.initialInterval = m.config.Retry.InitialInterval.String()
	m.fields.consecutiveFailures = strconv.FormatUint(uint64(m.config.Breaker.ConsecutiveFailures), 10)
	m.fields.journalEnabled = m.config.Journal.Enabled
	m.fields.verbose = m.config.Log.Verbose
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if n < 0 {
		return fmt.Errorf("must be >= 0")
	}
	return nil
}

func validatePositiveInt(s string) error {
	if err := validateNonNegativeInt(s); err != nil {
		return err
	}
	if s == "0" {
		return fmt.Errorf("must be > 0")
	}
	return nil
}

func validateDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("not a duration, e.g. 30s")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.fields.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrent").
				Title("Max Concurrent Tasks").
				Description("0 means unlimited").
				Value(&m.fields.maxConcurrent).
				Validate(validateNonNegativeInt),

			huh.NewInput().
				Key("defaultTimeout").
				Title("Default Timeout").
				Description("0s disables").
				Value(&m.fields.defaultTimeout).
				Validate(validateDuration),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxAttempts").
				Title("Max Attempts").
				Description("0 means no limit").
				Value(&m.fields.maxAttempts).
				Validate(validateNonNegativeInt),

			huh.NewInput().
				Key("initialInterval").
				Title("Initial Interval").
				Value(&m.fields.initialInterval).
				Validate(validateDuration),

			huh.NewInput().
				Key("consecutiveFailures").
				Title("Failures Before Circuit Opens").
				Value(&m.fields.consecutiveFailures).
				Validate(validatePositiveInt),
		).Title("Retry"),

		huh.NewGroup(
			huh.NewConfirm().
				Key("journalEnabled").
				Title("Record Runs In Journal").
				Value(&m.fields.journalEnabled),

			huh.NewConfirm().
				Key("verbose").
				Title("Verbose Task Logging").
				Value(&m.fields.verbose),
		).Title("Output"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "esc" {
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.save()
		// Hide form after successful save
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the config and writes it. The live
// config only changes if the result validates and is written.
func (m *SettingsPaneModel) save() {
	updated, err := m.applyFormToConfig()
	if err == nil {
		err = updated.Validate()
	}
	if err == nil {
		targetPath := m.globalPath
		if m.fields.saveTarget == "project" {
			targetPath = m.projectPath
		}
		err = config.Save(updated, targetPath)
	}

	if err != nil {
		m.err = err
		m.saved = false
		return
	}
	*m.config = *updated
	m.saved = true
	m.err = nil
}

// applyFormToConfig copies form field values into a copy of the config.
func (m *SettingsPaneModel) applyFormToConfig() (*config.Config, error) {
	updated := *m.config

	var err error
	if updated.Scheduler.MaxConcurrent, err = strconv.Atoi(m.fields.maxConcurrent); err != nil {
		return nil, fmt.Errorf("max concurrent: %w", err)
	}
	if updated.Retry.MaxAttempts, err = strconv.Atoi(m.fields.maxAttempts); err != nil {
		return nil, fmt.Errorf("max attempts: %w", err)
	}
	failures, err := strconv.ParseUint(m.fields.consecutiveFailures, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("consecutive failures: %w", err)
	}
	updated.Breaker.ConsecutiveFailures = uint32(failures)

	timeout, err := time.ParseDuration(m.fields.defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("default timeout: %w", err)
	}
	updated.Scheduler.DefaultTimeout = config.Duration(timeout)

	interval, err := time.ParseDuration(m.fields.initialInterval)
	if err != nil {
		return nil, fmt.Errorf("initial interval: %w", err)
	}
	updated.Retry.InitialInterval = config.Duration(interval)

	updated.Journal.Enabled = m.fields.journalEnabled
	updated.Log.Verbose = m.fields.verbose
	return &updated, nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true).
			Render("✓ Settings saved; they apply to the next run")
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	// Rebuild form to reset state
	if v {
		m.loadFromConfig()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
