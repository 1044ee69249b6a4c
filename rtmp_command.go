// RTMP command and data messages (AMF0 payloads)

package main

import "strconv"

// Positional argument names per command, the way NetConnection lays them
// out on the wire. Unknown commands fall back to argN.
var rtmpCommandArgNames = map[string][]string{
	"connect":       {"transId", "cmdObj", "args"},
	"createStream":  {"transId", "cmdObj"},
	"releaseStream": {"transId", "cmdObj", "streamName"},
	"FCPublish":     {"transId", "cmdObj", "streamName"},
	"FCUnpublish":   {"transId", "cmdObj", "streamName"},
	"publish":       {"transId", "cmdObj", "streamName", "type"},
	"play":          {"transId", "cmdObj", "streamName", "start", "duration", "reset"},
	"pause":         {"transId", "cmdObj", "pause", "time"},
	"deleteStream":  {"transId", "cmdObj", "streamId"},
	"closeStream":   {"transId", "cmdObj"},
	"receiveAudio":  {"transId", "cmdObj", "bool"},
	"receiveVideo":  {"transId", "cmdObj", "bool"},
	"_result":       {"transId", "cmdObj", "info"},
	"_error":        {"transId", "cmdObj", "info"},
	"onStatus":      {"transId", "cmdObj", "info"},
}

// Encode order for outgoing commands.
var rtmpCommandEncodeOrder = []string{"transId", "cmdObj", "streamName", "info"}

// RTMPCommand is a parsed NetConnection command (invoke message).
type RTMPCommand struct {
	cmd       string
	arguments map[string]*AMF0Value
}

func (c *RTMPCommand) GetArg(name string) *AMF0Value {
	a := c.arguments[name]
	if a != nil {
		return a
	}
	n := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &n
}

func (c *RTMPCommand) ToString() string {
	str := c.cmd + " {\n"
	for name, arg := range c.arguments {
		str += "    '" + name + "' = " + arg.ToString("    ") + "\n"
	}
	return str + "}"
}

func (c *RTMPCommand) Encode() []byte {
	name := createAMF0Value(AMF0_TYPE_STRING)
	name.str_val = c.cmd

	b := amf0EncodeOne(name)

	for _, argName := range rtmpCommandEncodeOrder {
		arg := c.arguments[argName]
		if arg != nil {
			b = append(b, amf0EncodeOne(*arg)...)
		}
	}

	return b
}

// decodeRTMPCommand parses an AMF0 invoke payload. Truncated or malformed
// payloads are a protocol violation.
func decodeRTMPCommand(payload []byte) (cmd RTMPCommand, err error) {
	defer func() {
		if r := recover(); r != nil {
			cmd = RTMPCommand{}
			err = ErrProtocolViolation
		}
	}()

	s := AMFDecodingStream{buffer: payload}

	cmdName := s.ReadOne()
	cmd = RTMPCommand{
		cmd:       cmdName.GetString(),
		arguments: make(map[string]*AMF0Value),
	}

	argNames := rtmpCommandArgNames[cmd.cmd]

	i := 0
	for !s.IsEnded() {
		arg := s.ReadOne()
		if i < len(argNames) {
			cmd.arguments[argNames[i]] = &arg
		} else {
			cmd.arguments["arg"+strconv.Itoa(i)] = &arg
		}
		i++
	}

	return cmd, nil
}

// RTMPData is a parsed data message, e.g. @setDataFrame with onMetaData.
type RTMPData struct {
	tag       string
	arguments map[string]*AMF0Value
}

func (d *RTMPData) GetArg(name string) *AMF0Value {
	a := d.arguments[name]
	if a != nil {
		return a
	}
	n := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &n
}

func (d *RTMPData) ToString() string {
	str := d.tag + " {\n"
	for name, arg := range d.arguments {
		str += "    '" + name + "' = " + arg.ToString("    ") + "\n"
	}
	return str + "}"
}

func (d *RTMPData) Encode() []byte {
	name := createAMF0Value(AMF0_TYPE_STRING)
	name.str_val = d.tag

	b := amf0EncodeOne(name)

	if sub := d.arguments["subtag"]; sub != nil {
		b = append(b, amf0EncodeOne(*sub)...)
	}
	if obj := d.arguments["dataObj"]; obj != nil {
		b = append(b, amf0EncodeOne(*obj)...)
	}

	return b
}

// decodeRTMPData parses an AMF0 data payload: a tag string, optionally a
// secondary tag string ("onMetaData" inside @setDataFrame), and the data
// object.
func decodeRTMPData(payload []byte) (data RTMPData, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = RTMPData{}
			err = ErrProtocolViolation
		}
	}()

	s := AMFDecodingStream{buffer: payload}

	tagName := s.ReadOne()
	data = RTMPData{
		tag:       tagName.GetString(),
		arguments: make(map[string]*AMF0Value),
	}

	for !s.IsEnded() {
		arg := s.ReadOne()
		if (arg.amf_type == AMF0_TYPE_STRING || arg.amf_type == AMF0_TYPE_LONG_STRING) && data.arguments["subtag"] == nil && data.arguments["dataObj"] == nil {
			data.arguments["subtag"] = &arg
		} else {
			data.arguments["dataObj"] = &arg
		}
	}

	return data, nil
}
