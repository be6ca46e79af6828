package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pisa/internal/config"
	"pisa/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 输出接口：PISA 只对外发布两类事件——预约生命周期事件与链重组通知。
type Output interface {
	WriteAppointmentEvent(evt *models.AppointmentEvent) error
	WriteReorgNotification(reorg *models.ReorgNotification) error
	Close() error
}

// Publisher adapts an Output to the PublishAppointmentEvent shape the
// watcher and multi-responder depend on, so neither has to know about
// Output's file/Kafka distinction or its reorg-notification method.
type Publisher struct {
	Output Output
}

// PublishAppointmentEvent implements watcher.EventPublisher and
// responder.EventPublisher.
func (p *Publisher) PublishAppointmentEvent(evt *models.AppointmentEvent) error {
	return p.Output.WriteAppointmentEvent(evt)
}

// FileOutput 文件输出
type FileOutput struct {
	outputDir string
	format    string
	eventFile *os.File
	reorgFile *os.File
}

// NewOutput 创建输出器
func NewOutput(outputPath, format string, compress bool) (Output, error) {
	return NewOutputWithConfig(outputPath, format, compress, nil)
}

// NewOutputWithConfig 创建输出器（带配置）
func NewOutputWithConfig(outputPath, format string, compress bool, kafkaConfig *config.KafkaConfig) (Output, error) {
	if format == "kafka" {
		brokers := []string{"localhost:9092"}
		topics := map[string]string{
			"appointment_events":  "pisa_appointment_events",
			"reorg_notifications": "pisa_reorg_notifications",
		}

		if kafkaConfig != nil {
			if len(kafkaConfig.Brokers) > 0 {
				brokers = kafkaConfig.Brokers
			}
			if len(kafkaConfig.Topics) > 0 {
				topics = kafkaConfig.Topics
			}
		}

		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		return NewKafkaOutput(brokers, topics, logger)
	}

	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	output := &FileOutput{outputDir: outputPath, format: format}
	timestamp := time.Now().Format("20060102_150405")

	eventFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("appointment_events_%s.json", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建预约事件文件失败: %w", err)
	}
	output.eventFile = eventFile

	reorgFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("reorg_notifications_%s.json", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建重组通知文件失败: %w", err)
	}
	output.reorgFile = reorgFile

	return output, nil
}

// WriteAppointmentEvent 写入预约生命周期事件
func (o *FileOutput) WriteAppointmentEvent(evt *models.AppointmentEvent) error {
	if evt == nil {
		return nil
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化预约事件失败: %w", err)
	}
	data = append(data, '\n')

	if _, err := o.eventFile.Write(data); err != nil {
		return fmt.Errorf("写入预约事件文件失败: %w", err)
	}
	return o.eventFile.Sync()
}

// WriteReorgNotification 写入重组通知
func (o *FileOutput) WriteReorgNotification(reorg *models.ReorgNotification) error {
	if reorg == nil {
		return nil
	}

	data, err := json.Marshal(reorg)
	if err != nil {
		return fmt.Errorf("序列化重组通知数据失败: %w", err)
	}
	data = append(data, '\n')

	if _, err := o.reorgFile.Write(data); err != nil {
		return fmt.Errorf("写入重组通知文件失败: %w", err)
	}
	return o.reorgFile.Sync()
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	var errs []error

	if o.eventFile != nil {
		if err := o.eventFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭预约事件文件失败: %w", err))
		}
	}
	if o.reorgFile != nil {
		if err := o.reorgFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭重组通知文件失败: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
