package config

import (
	"bytes"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/lxt1045/errors"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Log  Log
	Pool Pool
	Path Path
}

// Pool UDP socket 池配置
type Pool struct {
	PrimaryPort int
	PortSearch  bool // 端口被占用时随机找一个可用端口
	ReusePort   bool

	BindLoopback             bool
	InterfacePrefixBlacklist []string // 如 "zt", "tun", "docker"
	CIDRBlacklist            []string

	ReadBuffer   string // 内核收包缓冲: 4M
	WriteBuffer  string
	PacketBuffer int // 单个收包缓冲大小
	Workers      int // 处理收包的协程数上限
}

// Path 路径表配置
type Path struct {
	KeepaliveInterval time.Duration
	Expiration        time.Duration
	ServiceInterval   time.Duration
}

type Log struct {
	LogLevel  string
	ToConsole bool

	// 以下是 lumberjack 配置

	// 日志大小到达MaxSize(MB)就开始backup，默认值是100.
	MaxSize int
	// 旧日志保存的最大天数，默认保存所有旧日志文件
	MaxAge int
	// 旧日志保存的最大数量，默认保存所有旧日志文件
	MaxBackups int
	// 对backup的日志是否进行压缩，默认不压缩
	Compress bool
	// 是否使用本地时间，否则使用UTC时间
	LocalTime bool
	// 日志文件名，为空时只输出到 stdout
	Filename string
}

func UnmarshalFile(file string, conf interface{}) (err error) {
	bs, err := os.ReadFile(file)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	return Unmarshal(bs, conf)
}

func UnmarshalFS(fsys fs.FS, file string, conf interface{}) (err error) {
	bs, err := fs.ReadFile(fsys, file)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	return Unmarshal(bs, conf)
}

func Unmarshal(bs []byte, conf interface{}) (err error) {
	m := make(map[string]interface{})
	err = yaml.Unmarshal(bs, m)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}

	c := &mapstructure.DecoderConfig{
		Result:           conf,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			AssignVarsFromEnvHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return Camel2Case(mapKey) == Camel2Case(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(c)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	err = decoder.Decode(m)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	return AssignVarsFromEnv(conf)
}

// AssignVarsFromEnv 把结构体、map、slice 中形如 ${Var} 的字符串替换成环境变量;
// "${Var} | default" 在环境变量为空时取 default
func AssignVarsFromEnv(conf interface{}) (err error) {
	if conf == nil {
		return
	}
	v := reflect.ValueOf(conf)
	if v.Kind() != reflect.Pointer {
		return errors.Errorf("conf must be pointer")
	}
	return assignValue(v.Elem())
}

func assignValue(v reflect.Value) (err error) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		str, ok := envOrDefault(v.String())
		if !ok {
			return
		}
		if !v.CanSet() {
			return errors.Errorf("conf is can not set")
		}
		v.SetString(str)
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		// interface 底层的值不能取地址，先复制一份再写回
		cp := reflect.New(v.Elem().Type()).Elem()
		cp.Set(v.Elem())
		if err = assignValue(cp); err != nil {
			return
		}
		if v.CanSet() {
			v.Set(cp)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err = assignValue(v.Index(i)); err != nil {
				return
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			cp := reflect.New(iter.Value().Type()).Elem()
			cp.Set(iter.Value())
			if err = assignValue(cp); err != nil {
				return
			}
			v.SetMapIndex(iter.Key(), cp)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err = assignValue(v.Field(i)); err != nil {
				return
			}
		}
	}
	return
}

func envOrDefault(raw string) (out string, ok bool) {
	out, ok = AssignVarFromEnv(raw)
	if !ok || out != "" {
		return
	}
	i := strings.IndexByte(raw, '}')
	def := strings.TrimSpace(raw[i+1:])
	def = strings.TrimSpace(strings.TrimLeft(def, "|"))
	return def, true
}

// 从环境变量给变量赋值，变量格式为: ${Var}
func AssignVarFromEnv(v string) (out string, ok bool) {
	v = strings.TrimSpace(v)
	i := strings.IndexByte(v, '}')
	if i < 0 || len(v) <= 3 || v[0] != '$' || v[1] != '{' {
		return
	}
	ok = true
	out, _ = os.LookupEnv(v[2:i])
	return
}

func AssignVarsFromEnvHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String {
			return data, nil
		}
		raw, ok := data.(string)
		if !ok || raw == "" {
			return data, nil
		}
		out, ok := envOrDefault(raw)
		if !ok {
			return data, nil
		}
		return out, nil
	}
}

// 驼峰式写法转为下划线写法
func Camel2Case(name string) string {
	buf := bytes.NewBuffer(make([]byte, 0, len(name)*3/2))

	var lastUpperRun rune
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i == 0 {
				lastUpperRun = r
				continue
			}
			if lastUpperRun == 0 {
				if bs := buf.Bytes(); len(bs) == 0 || bs[len(bs)-1] != '_' {
					buf.WriteByte('_')
				}
				lastUpperRun = r
				continue
			}
			buf.WriteRune(unicode.ToLower(lastUpperRun))
			lastUpperRun = r
			continue
		}
		if lastUpperRun > 0 {
			var lastByte byte
			if bs := buf.Bytes(); len(bs) > 0 {
				lastByte = bs[len(bs)-1]
			}
			if lastByte != 0 && lastByte != '_' && r != '-' {
				buf.WriteByte('_')
			}
			buf.WriteRune(unicode.ToLower(lastUpperRun))
			lastUpperRun = 0
		}
		if r == '-' {
			buf.WriteRune('_')
			continue
		}
		buf.WriteRune(r)
	}
	if lastUpperRun > 0 {
		buf.WriteRune(unicode.ToLower(lastUpperRun))
	}
	return buf.String()
}

// ParseBytes 解析 "4M"、"512KB" 这类大小; 解析失败返回 defaultValue
func ParseBytes(str string, defaultValue int64) (n int64, err error) {
	str = strings.ToUpper(strings.TrimSpace(str))
	str = strings.TrimSuffix(str, "B")

	var unit int64 = 1
	switch {
	case strings.HasSuffix(str, "G"):
		str, unit = str[:len(str)-1], 1024*1024*1024
	case strings.HasSuffix(str, "M"):
		str, unit = str[:len(str)-1], 1024*1024
	case strings.HasSuffix(str, "K"):
		str, unit = str[:len(str)-1], 1024
	}
	n, err = strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		n, err = defaultValue, errors.Errorf(err.Error())
		return
	}
	n *= unit
	return
}
