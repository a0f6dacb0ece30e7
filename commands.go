package agi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PlaybackResult is the common return shape of verbs that stream audio and
// may be interrupted by a DTMF digit (SPEC_FULL §4.5 "Playback" pattern).
type PlaybackResult struct {
	Digit  string
	EndPos int
}

// DTMFResult is the common return shape of verbs that collect DTMF or text
// input with a timeout (SPEC_FULL §4.5 "DTMF collection" pattern).
type DTMFResult struct {
	Digits  string
	Timeout bool
}

// RecordResult is the return shape of RecordFile.
type RecordResult struct {
	Digit   string
	EndPos  int
	Timeout bool
}

// ControlStreamResult is the return shape of ControlStreamFile.
type ControlStreamResult struct {
	Status PlaybackStatus
	Offset int
}

func joinArgs(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	return `"` + s + `"`
}

// --- Trivial assertive verbs ---------------------------------------------

// Answer answers the channel. Result 0 indicates success; -1 channel failure.
func (c *Channel) Answer() error {
	resp, err := c.submitDefault("ANSWER")
	if err != nil {
		return err
	}
	if resp.Result != 0 {
		return &CommandRejectedError{Command: "ANSWER", Reason: "channel failure"}
	}
	return nil
}

// Break issues ASYNCAGI BREAK and, on success, closes the channel locally
// (SPEC_FULL §4.5 "Async break").
func (c *Channel) Break() error {
	resp, err := c.submitDefault("ASYNCAGI BREAK")
	if err != nil {
		return err
	}
	if resp.Code != StatusOK {
		return &CommandRejectedError{Command: "ASYNCAGI BREAK", Reason: "rejected"}
	}
	return c.Close()
}

// Hangup terminates the call. Result 1 indicates success, -1 channel not found.
func (c *Channel) Hangup() error {
	resp, err := c.submitDefault("HANGUP")
	if err != nil {
		return err
	}
	if resp.Result != 1 {
		return &CommandRejectedError{Command: "HANGUP", Reason: "channel not found"}
	}
	return nil
}

// Noop does nothing; always succeeds if the command was accepted.
func (c *Channel) Noop(msg string) error {
	_, err := c.submitDefault(joinArgs("NOOP", msg))
	return err
}

// SetContext sets the channel's dialplan context.
func (c *Channel) SetContext(context string) error {
	_, err := c.submitDefault(joinArgs("SET CONTEXT", context))
	return err
}

// SetExtension changes the channel's dialplan extension.
func (c *Channel) SetExtension(ext string) error {
	_, err := c.submitDefault(joinArgs("SET EXTENSION", ext))
	return err
}

// SetPriority sets the channel's dialplan priority or label.
func (c *Channel) SetPriority(priority string) error {
	_, err := c.submitDefault(joinArgs("SET PRIORITY", priority))
	return err
}

// SetVariable sets a channel variable. Always succeeds if accepted.
func (c *Channel) SetVariable(key, value string) error {
	_, err := c.submitDefault(fmt.Sprintf("SET VARIABLE %s %s", quote(key), quote(value)))
	return err
}

// SetAutoHangup schedules the channel to hang up after seconds; 0 disables it.
func (c *Channel) SetAutoHangup(seconds int) error {
	_, err := c.submitDefault(fmt.Sprintf("SET AUTOHANGUP %d", seconds))
	return err
}

// SetCallerID sets the caller ID presented for the current channel.
func (c *Channel) SetCallerID(cid string) error {
	_, err := c.submitDefault(joinArgs("SET CALLERID", cid))
	return err
}

// SetMusic toggles music-on-hold; opt is "on" or "off".
func (c *Channel) SetMusic(opt string, class string) error {
	_, err := c.submitDefault(joinArgs("SET MUSIC", opt, class))
	return err
}

// TddMode toggles TDD mode. Result 1 success, 0 if channel is not TDD-capable.
func (c *Channel) TddMode(mode string) error {
	resp, err := c.submitDefault(joinArgs("TDD MODE", mode))
	if err != nil {
		return err
	}
	if resp.Result != 1 {
		return &CommandRejectedError{Command: "TDD MODE", Reason: "channel is not TDD capable"}
	}
	return nil
}

// Verbose logs msg to Asterisk's verbose message system at the given level.
func (c *Channel) Verbose(msg string, level int) error {
	_, err := c.submitDefault(fmt.Sprintf("VERBOSE %s %d", quote(msg), level))
	return err
}

// Verbosef is a convenience wrapper formatting msg before calling Verbose at level 9.
func (c *Channel) Verbosef(format string, args ...interface{}) error {
	return c.Verbose(fmt.Sprintf(format, args...), 9)
}

// SendImage sends an image (without extension) to channels that support it.
func (c *Channel) SendImage(image string) error {
	resp, err := c.submitDefault(joinArgs("SEND IMAGE", image))
	if err != nil {
		return err
	}
	if resp.Result == -1 {
		return &CommandRejectedError{Command: "SEND IMAGE", Reason: "error or hangup"}
	}
	return nil
}

// SendText sends text to channels that support it.
func (c *Channel) SendText(text string) error {
	resp, err := c.submitDefault(fmt.Sprintf("SEND TEXT %s", quote(text)))
	if err != nil {
		return err
	}
	if resp.Result == -1 {
		return &CommandRejectedError{Command: "SEND TEXT", Reason: "error or hangup"}
	}
	return nil
}

// GoSub transfers execution to a dialplan subroutine, returning once that
// subroutine executes Return().
func (c *Channel) GoSub(context, extension, priority, args string) error {
	_, err := c.submitDefault(joinArgs("GOSUB", context, extension, priority, args))
	return err
}

// --- Status ----------------------------------------------------------------

// ChannelStatus returns the named channel's state, or the current channel's
// state if channel is empty.
func (c *Channel) ChannelStatus(channel string) (State, error) {
	resp, err := c.submitDefault(joinArgs("CHANNEL STATUS", channel))
	if err != nil {
		return StateDown, err
	}
	return State(resp.Result), nil
}

// --- Getters -----------------------------------------------------------

// GetVariable returns the value of a channel variable. Result 0 means unset.
func (c *Channel) GetVariable(key string) (string, error) {
	resp, err := c.submitDefault(joinArgs("GET VARIABLE", key))
	if err != nil {
		return "", err
	}
	if resp.Result != 1 {
		return "", &CommandRejectedError{Command: "GET VARIABLE " + key, Reason: "variable not set"}
	}
	return resp.Arguments.NoKey(), nil
}

// GetFullVariable evaluates a channel expression (understands complex
// variable names and builtin variables), optionally against another channel.
func (c *Channel) GetFullVariable(variable, channel string) (string, error) {
	resp, err := c.submitDefault(joinArgs("GET FULL VARIABLE", variable, channel))
	if err != nil {
		return "", err
	}
	if resp.Result != 1 {
		return "", &CommandRejectedError{Command: "GET FULL VARIABLE " + variable, Reason: "variable not set"}
	}
	return resp.Arguments.NoKey(), nil
}

// --- Database ----------------------------------------------------------

// DatabaseGet fetches a value from the Asterisk database.
func (c *Channel) DatabaseGet(family, key string) (string, error) {
	resp, err := c.submitDefault(fmt.Sprintf("DATABASE GET %s %s", family, key))
	if err != nil {
		return "", err
	}
	if resp.Result != 1 {
		return "", &CommandRejectedError{Command: "DATABASE GET", Reason: "key not set"}
	}
	return resp.Arguments.NoKey(), nil
}

// DatabasePut sets a value in the Asterisk database.
func (c *Channel) DatabasePut(family, key, value string) error {
	resp, err := c.submitDefault(fmt.Sprintf("DATABASE PUT %s %s %s", family, key, value))
	if err != nil {
		return err
	}
	if resp.Result != 1 {
		return &CommandRejectedError{Command: "DATABASE PUT", Reason: "failed to write"}
	}
	return nil
}

// DatabaseDel removes a single key from the Asterisk database.
func (c *Channel) DatabaseDel(family, key string) error {
	resp, err := c.submitDefault(fmt.Sprintf("DATABASE DEL %s %s", family, key))
	if err != nil {
		return err
	}
	if resp.Result != 1 {
		return &CommandRejectedError{Command: "DATABASE DEL", Reason: "key not found"}
	}
	return nil
}

// DatabaseDelTree removes an entire family (or family/keytree) from the
// Asterisk database, returning whether it existed.
func (c *Channel) DatabaseDelTree(family, keytree string) (bool, error) {
	resp, err := c.submitDefault(joinArgs("DATABASE DELTREE", family, keytree))
	if err != nil {
		return false, err
	}
	return resp.Result == 1, nil
}

// --- Playback ------------------------------------------------------------

// StreamFile plays name to the channel, interruptible by escapeDigits,
// starting at the given sample offset. After a successful result it also
// reads PLAYBACKSTATUS and requires SUCCESS, per SPEC_FULL §4.5.
func (c *Channel) StreamFile(name string, escapeDigits string, offset int) (PlaybackResult, error) {
	cmd := fmt.Sprintf("STREAM FILE %s %s %d", name, quote(escapeDigits), offset)
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return PlaybackResult{}, err
	}
	if resp.Result == -1 {
		return PlaybackResult{}, &CommandRejectedError{Command: cmd, Reason: "playback failed or channel disconnected"}
	}

	status, err := c.GetVariable("PLAYBACKSTATUS")
	if err != nil {
		return PlaybackResult{}, err
	}
	if status != "SUCCESS" {
		return PlaybackResult{}, &CommandRejectedError{Command: cmd, Reason: "PLAYBACKSTATUS=" + status}
	}

	return PlaybackResult{
		Digit:  resp.Arguments.Char("result"),
		EndPos: resp.Arguments.Number("endpos"),
	}, nil
}

// GetOption streams filename, waits up to timeout for a DTMF digit.
func (c *Channel) GetOption(filename, escapeDigits string, timeout time.Duration) (PlaybackResult, error) {
	cmd := fmt.Sprintf("GET OPTION %s %s %s", filename, quote(escapeDigits), toSec(timeout))
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return PlaybackResult{}, err
	}
	if resp.Result == -1 {
		return PlaybackResult{}, &CommandRejectedError{Command: cmd, Reason: "playback failed"}
	}
	return PlaybackResult{
		Digit:  resp.Arguments.Char("result"),
		EndPos: resp.Arguments.Number("endpos"),
	}, nil
}

func (c *Channel) sayVerb(verb string, arg string, escapeDigits string, extra ...string) (PlaybackResult, error) {
	cmd := joinArgs(append([]string{verb, arg, quote(escapeDigits)}, extra...)...)
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return PlaybackResult{}, err
	}
	if resp.Result == -1 {
		return PlaybackResult{}, &CommandRejectedError{Command: cmd, Reason: "error or hangup"}
	}
	return PlaybackResult{Digit: resp.Arguments.Char("result")}, nil
}

// SayAlpha annunciates each character of label.
func (c *Channel) SayAlpha(label, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY ALPHA", label, escapeDigits)
}

// SayDigits annunciates each digit of number.
func (c *Channel) SayDigits(number, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY DIGITS", number, escapeDigits)
}

// SayNumber says number as a cardinal number.
func (c *Channel) SayNumber(number, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY NUMBER", number, escapeDigits)
}

// SayPhonetic says phrase using phonetic spelling.
func (c *Channel) SayPhonetic(phrase, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY PHONETIC", phrase, escapeDigits)
}

// SayDate says when as a date.
func (c *Channel) SayDate(when time.Time, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY DATE", toEpoch(when), escapeDigits)
}

// SayTime says the time portion of when.
func (c *Channel) SayTime(when time.Time, escapeDigits string) (PlaybackResult, error) {
	return c.sayVerb("SAY TIME", toEpoch(when), escapeDigits)
}

// SayDateTime says when using format (defaulting to Asterisk's standard
// format) in the local timezone.
func (c *Channel) SayDateTime(when time.Time, escapeDigits string, format string) (PlaybackResult, error) {
	if format == "" {
		format = "ABdY 'digits/at' IMp"
	}
	zone, _ := when.Zone()
	return c.sayVerb("SAY DATETIME", toEpoch(when), escapeDigits, format, zone)
}

// --- DTMF collection -----------------------------------------------------

// WaitForDigit waits up to timeout for a single DTMF digit.
func (c *Channel) WaitForDigit(timeout time.Duration) (DTMFResult, error) {
	cmd := fmt.Sprintf("WAIT FOR DIGIT %s", toMSec(timeout))
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return DTMFResult{}, err
	}
	if resp.Result == -1 {
		return DTMFResult{}, &CommandRejectedError{Command: cmd, Reason: "channel failure"}
	}
	digit := ""
	if resp.Result > 0 {
		digit = string(rune(resp.Result))
	}
	return DTMFResult{Digits: digit, Timeout: resp.Arguments.Boolean("timeout")}, nil
}

// ReceiveChar receives one character from channels that support text.
func (c *Channel) ReceiveChar(timeout time.Duration) (DTMFResult, error) {
	cmd := fmt.Sprintf("RECEIVE CHAR %s", toMSec(timeout))
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return DTMFResult{}, err
	}
	if resp.Result == -1 {
		return DTMFResult{}, &CommandRejectedError{Command: cmd, Reason: "error or hangup"}
	}
	digit := ""
	if resp.Result > 0 {
		digit = string(rune(resp.Result))
	}
	return DTMFResult{Digits: digit, Timeout: resp.Arguments.Boolean("timeout")}, nil
}

// ReceiveText receives text from channels that support it.
func (c *Channel) ReceiveText(timeout time.Duration) (DTMFResult, error) {
	cmd := fmt.Sprintf("RECEIVE TEXT %s", toMSec(timeout))
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return DTMFResult{}, err
	}
	if resp.Result == -1 {
		return DTMFResult{}, &CommandRejectedError{Command: cmd, Reason: "error or hangup"}
	}
	return DTMFResult{Digits: resp.Arguments.NoKey(), Timeout: resp.Arguments.Boolean("timeout")}, nil
}

// --- Exec / Dial -----------------------------------------------------------

// Exec runs a dialplan application with the given options string.
func (c *Channel) Exec(app, options string) (string, error) {
	cmd := joinArgs("EXEC", app, options)
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return "", err
	}
	if resp.Result == -2 {
		return "", &CommandRejectedError{Command: cmd, Reason: "application not found"}
	}
	return resp.Arguments.NoKey(), nil
}

// Dial issues EXEC Dial and interprets DIALSTATUS.
func (c *Channel) Dial(target string, timeout time.Duration, params string) (DialStatus, error) {
	options := joinArgs(target, toSec(timeout), params)
	if _, err := c.Exec("Dial", strings.ReplaceAll(options, " ", ",")); err != nil {
		return DialStatusUnknown, err
	}

	raw, err := c.GetVariable("DIALSTATUS")
	if err != nil {
		return DialStatusUnknown, err
	}
	return parseDialStatus(raw)
}

// --- Recording -------------------------------------------------------------

// RecordOptions configures RecordFile.
type RecordOptions struct {
	Format       string
	EscapeDigits string
	Timeout      time.Duration
	Silence      time.Duration
	Beep         bool
	Offset       int
}

// RecordFile records audio from the channel to name.
func (c *Channel) RecordFile(name string, opts RecordOptions) (RecordResult, error) {
	if opts.Format == "" {
		opts.Format = "wav"
	}
	if opts.EscapeDigits == "" {
		opts.EscapeDigits = "#"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}

	cmd := fmt.Sprintf("RECORD FILE %s %s %s %s", name, opts.Format, quote(opts.EscapeDigits), toMSec(opts.Timeout))
	if opts.Offset > 0 {
		cmd += " " + strconv.Itoa(opts.Offset)
	}
	if opts.Beep {
		cmd += " BEEP"
	}
	if opts.Silence > 0 {
		cmd += " s=" + toSec(opts.Silence)
	}

	resp, err := c.queue.Submit(cmd, defaultRecordFileTimeout)
	if err != nil {
		return RecordResult{}, err
	}
	if resp.Result < 0 {
		return RecordResult{}, &CommandRejectedError{Command: cmd, Reason: "recording failed"}
	}

	digit := ""
	if resp.Result > 0 {
		digit = string(rune(resp.Result))
	}

	return RecordResult{
		Digit:   digit,
		EndPos:  resp.Arguments.Number("endpos"),
		Timeout: resp.Arguments.Boolean("timeout"),
	}, nil
}

// --- Control stream --------------------------------------------------------

// ControlStreamFile streams file, allowing the caller to pause/rewind/ff
// with the given control characters.
func (c *Channel) ControlStreamFile(file, escapeDigits string, skipMs int, ffChar, rewChar, pauseChar string) (ControlStreamResult, error) {
	cmd := fmt.Sprintf("CONTROL STREAM FILE %s %s", file, quote(escapeDigits))
	if skipMs > 0 {
		cmd += " " + strconv.Itoa(skipMs)
	}
	cmd = joinArgs(cmd, ffChar, rewChar, pauseChar)

	resp, err := c.submitDefault(cmd)
	if err != nil {
		return ControlStreamResult{}, err
	}
	if resp.Result == -1 {
		return ControlStreamResult{}, &CommandRejectedError{Command: cmd, Reason: "error or hangup"}
	}

	statusRaw, _ := c.GetVariable("CPLAYBACKSTATUS")
	offsetRaw, _ := c.GetVariable("CPLAYBACKOFFSET")
	offset, _ := strconv.Atoi(offsetRaw)

	return ControlStreamResult{Status: parsePlaybackStatus(statusRaw), Offset: offset}, nil
}

// --- GetData (simple + composite) ------------------------------------------

// GetData plays soundFile and collects DTMF digits.
//
// Simple mode (maxDigits absent/<=1 or interDigitTimeoutMs absent) emits the
// native GET DATA command as-is.
//
// Composite mode (maxDigits > 1 and interDigitTimeoutMs > 0) builds an
// inter-digit timeout distinct from the total timeout on top of STREAM FILE
// and WAIT FOR DIGIT, since the native GET DATA verb cannot express that
// distinction (SPEC_FULL §4.5.1).
func (c *Channel) GetData(soundFile string, totalTimeout time.Duration, maxDigits int, interDigitTimeout time.Duration) (DTMFResult, error) {
	if maxDigits <= 1 || interDigitTimeout <= 0 {
		return c.getDataSimple(soundFile, totalTimeout, maxDigits)
	}
	return c.getDataComposite(soundFile, totalTimeout, maxDigits, interDigitTimeout)
}

func (c *Channel) getDataSimple(soundFile string, totalTimeout time.Duration, maxDigits int) (DTMFResult, error) {
	if soundFile == "" {
		soundFile = "silence/1"
	}
	cmd := fmt.Sprintf("GET DATA %s %s", soundFile, toMSec(totalTimeout))
	if maxDigits > 0 {
		cmd += " " + strconv.Itoa(maxDigits)
	}

	resp, err := c.submitDefault(cmd)
	if err != nil {
		return DTMFResult{}, err
	}
	if resp.Result == -1 {
		return DTMFResult{}, &CommandRejectedError{Command: cmd, Reason: "channel failure"}
	}
	return DTMFResult{
		Digits:  resp.Arguments.NoKey(),
		Timeout: resp.Arguments.Boolean("timeout"),
	}, nil
}

func (c *Channel) getDataComposite(soundFile string, totalTimeout time.Duration, maxDigits int, interDigitTimeout time.Duration) (DTMFResult, error) {
	var digits strings.Builder

	// This issues the bare STREAM FILE primitive directly rather than going
	// through StreamFile (which additionally requires PLAYBACKSTATUS=SUCCESS):
	// a digit interrupting playback here is the expected, successful case,
	// not a failure to classify.
	cmd := fmt.Sprintf("STREAM FILE %s %s", soundFile, quote("0123456789*#"))
	resp, err := c.submitDefault(cmd)
	if err != nil {
		return DTMFResult{}, errors.Wrap(err, "getData: initial prompt playback")
	}
	if resp.Result == -1 {
		return DTMFResult{}, errors.Wrap(&CommandRejectedError{Command: cmd, Reason: "playback failed or channel disconnected"}, "getData: initial prompt playback")
	}
	if d := resp.Arguments.Char("result"); d != "" {
		digits.WriteString(d)
	}

	if digits.Len() >= maxDigits {
		return DTMFResult{Digits: digits.String(), Timeout: false}, nil
	}

	// The total budget begins only after the prompt audio ends — audio
	// playback never consumes the digit-collection budget (SPEC_FULL §4.5.1
	// step 3, a deliberate contract).
	deadline := time.Now().Add(totalTimeout)

	for digits.Len() < maxDigits {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		perCall := interDigitTimeout
		if remaining < perCall {
			perCall = remaining
		}

		result, err := c.WaitForDigit(perCall)
		if err != nil {
			return DTMFResult{}, errors.Wrap(err, "getData: wait for digit")
		}
		if result.Digits == "" {
			// Empty result means inter-digit timeout.
			return DTMFResult{Digits: digits.String(), Timeout: digits.Len() == 0}, nil
		}
		digits.WriteString(result.Digits)
	}

	return DTMFResult{Digits: digits.String(), Timeout: digits.Len() == 0}, nil
}

// --- Logging conveniences (supplemented from the teacher's Log helpers) ---

func (c *Channel) execLog(logLevel, msg string) error {
	_, err := c.Exec("Log", fmt.Sprintf("%s,%s", strings.ToUpper(logLevel), msg))
	return err
}

// LogError sends msg to the ERROR dialplan log level.
func (c *Channel) LogError(msg string) error { return c.execLog("ERROR", msg) }

// LogWarning sends msg to the WARNING dialplan log level.
func (c *Channel) LogWarning(msg string) error { return c.execLog("WARNING", msg) }

// LogNotice sends msg to the NOTICE dialplan log level.
func (c *Channel) LogNotice(msg string) error { return c.execLog("NOTICE", msg) }

// LogDebug sends msg to the DEBUG dialplan log level.
func (c *Channel) LogDebug(msg string) error { return c.execLog("DEBUG", msg) }

// LogVerbose sends msg to the VERBOSE dialplan log level.
func (c *Channel) LogVerbose(msg string) error { return c.execLog("VERBOSE", msg) }

// LogDTMF sends msg to the DTMF dialplan log level.
func (c *Channel) LogDTMF(msg string) error { return c.execLog("DTMF", msg) }

// ExecPlayback plays back the given files (joined with '&') via the
// Playback() dialplan application and reports PLAYBACKSTATUS.
func (c *Channel) ExecPlayback(filePath ...string) (string, error) {
	if _, err := c.Exec("Playback", strings.Join(filePath, "&")); err != nil {
		return "", err
	}
	return c.GetVariable("PLAYBACKSTATUS")
}

// ExecBackground plays the given files while listening for digits of an
// extension to transfer to, via the Background() dialplan application.
func (c *Channel) ExecBackground(filePath ...string) (string, error) {
	if _, err := c.Exec("Background", strings.Join(filePath, "&")); err != nil {
		return "", err
	}
	return c.GetVariable("BACKGROUNDSTATUS")
}

// WaitForSilence waits for silenceRequiredMsec of silence, iterations times,
// via the WaitForSilence() dialplan application.
func (c *Channel) WaitForSilence(silenceRequiredMsec, iterations int, timeout time.Duration) (string, error) {
	args := []string{strconv.Itoa(silenceRequiredMsec), strconv.Itoa(iterations)}
	if timeout > 0 {
		args = append(args, toSec(timeout))
	}
	if _, err := c.Exec("WaitForSilence", strings.Join(args, ",")); err != nil {
		return "", err
	}
	return c.GetVariable("WAITSTATUS")
}
